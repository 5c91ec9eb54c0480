// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gh-ingestor/internal/gh"
	"gh-ingestor/internal/jobs"
	"gh-ingestor/internal/model"
)

// Store is the persistence surface the pipeline writes through.
type Store interface {
	GetTrackedAccount(ctx context.Context, username string) (*model.TrackedAccount, error)
	CreateTrackedAccount(ctx context.Context, username string, githubID *int64, tags []string, requestedAt time.Time) error
	UpdateTrackedAccountTags(ctx context.Context, id int64, tags []string) error
	ListTrackedAccounts(ctx context.Context, usernames []string) ([]model.TrackedAccount, error)
	MarkTrackedAccountsRequested(ctx context.Context, usernames []string, at time.Time) error
	LinkTrackedAccount(ctx context.Context, id int64, githubID int64) error

	UpsertUsers(ctx context.Context, users []model.User) error
	UpsertAuthors(ctx context.Context, authors []model.User) error
	UserIDsByGithubID(ctx context.Context, githubIDs []int64) (map[int64]int64, error)

	UpsertOrgs(ctx context.Context, orgs []model.Org) error
	OrgIDsByGithubID(ctx context.Context, githubIDs []int64) (map[int64]int64, error)
	InsertUserOrgs(ctx context.Context, links []model.UserOrg) error

	UpsertRepositories(ctx context.Context, repos []model.Repository) error
	ListRepositoriesForCommitScrape(ctx context.Context, cutoff time.Time) ([]model.Repository, error)
	SetRepositoryCommitsScraped(ctx context.Context, repoID int64, at time.Time) error

	UpsertCommits(ctx context.Context, commits []model.Commit) error
	InsertCommitRepos(ctx context.Context, links []model.CommitRepo) error
}

// Fetcher is the gateway surface the pipeline reads through.
type Fetcher interface {
	Fetch(ctx context.Context, path string, params url.Values) (json.RawMessage, error)
	FetchPaginated(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error)
}

// Scheduler accepts the fan-out jobs of stage 4.
type Scheduler interface {
	Enqueue(job *jobs.Job)
}

// Pipeline is the four-stage crawl: tracked accounts, their organizations,
// both of their repositories, and finally one background job per repository
// for commits. Stages 1-3 run synchronously with a bounded worker pool;
// stage 4 only enqueues and returns.
type Pipeline struct {
	store   Store
	gateway Fetcher
	sched   Scheduler
	logger  *slog.Logger

	workers          int
	rescrapeInterval time.Duration
	now              func() time.Time
}

func New(store Store, gateway Fetcher, sched Scheduler, logger *slog.Logger, workers int, rescrapeInterval time.Duration) *Pipeline {
	return &Pipeline{
		store:            store,
		gateway:          gateway,
		sched:            sched,
		logger:           logger,
		workers:          workers,
		rescrapeInterval: rescrapeInterval,
		now:              time.Now,
	}
}

// Run executes one full ingestion pass over the given usernames (all
// tracked accounts when empty). It returns once stages 1-3 have completed
// and stage 4 has been enqueued.
func (p *Pipeline) Run(ctx context.Context, usernames []string) error {
	tracked, err := p.store.ListTrackedAccounts(ctx, usernames)
	if err != nil {
		return fmt.Errorf("listing tracked accounts: %w", err)
	}
	p.logger.Info("starting ingestion run", "tracked_accounts", len(tracked))

	users, err := p.syncAccounts(ctx, tracked)
	if err != nil {
		return fmt.Errorf("stage 1 (accounts): %w", err)
	}

	orgs, err := p.syncOrgs(ctx, users)
	if err != nil {
		return fmt.Errorf("stage 2 (organizations): %w", err)
	}

	if err := p.syncRepositories(ctx, users, orgs); err != nil {
		return fmt.Errorf("stage 3 (repositories): %w", err)
	}

	if err := p.enqueueCommitJobs(ctx); err != nil {
		return fmt.Errorf("stage 4 (commits): %w", err)
	}
	return nil
}

// syncAccounts fetches each tracked account's profile, drops per-item
// failures without touching their siblings, deduplicates by external id and
// bulk-upserts. Returned users carry their internal ids.
func (p *Pipeline) syncAccounts(ctx context.Context, tracked []model.TrackedAccount) ([]model.User, error) {
	type fetched struct {
		account gh.Account
		tracked model.TrackedAccount
	}

	var (
		mu      sync.Mutex
		results []fetched
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, ta := range tracked {
		ta := ta
		g.Go(func() error {
			body, err := p.gateway.Fetch(gctx, "users/"+ta.Username, nil)
			if err != nil {
				if errors.Is(err, gh.ErrNotFound) {
					p.logger.Warn("tracked account not found upstream", "username", ta.Username)
				} else {
					p.logger.Error("failed to fetch account", "username", ta.Username, "error", err)
				}
				return nil
			}

			var acct gh.Account
			if err := json.Unmarshal(body, &acct); err != nil {
				p.logger.Error("failed to decode account", "username", ta.Username, "error", err)
				return nil
			}

			mu.Lock()
			results = append(results, fetched{account: acct, tracked: ta})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// two tracked entries can resolve to the same account; last write wins
	seen := make(map[int64]bool, len(results))
	now := p.now()
	var users []model.User
	for _, f := range results {
		if f.tracked.GithubID == nil {
			if err := p.store.LinkTrackedAccount(ctx, f.tracked.ID, f.account.ID); err != nil {
				p.logger.Warn("failed to link tracked account", "username", f.tracked.Username, "error", err)
			}
		}
		if seen[f.account.ID] {
			continue
		}
		seen[f.account.ID] = true
		users = append(users, userFromAccount(f.account, now))
	}

	if len(users) == 0 {
		p.logger.Info("stage 1 produced no accounts")
		return nil, nil
	}

	if err := p.store.UpsertUsers(ctx, users); err != nil {
		return nil, err
	}

	ids, err := p.userIDs(ctx, users)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].ID = ids[users[i].GithubID]
	}

	p.logger.Info("stage 1 complete", "accounts", len(users))
	return users, nil
}

// syncOrgs paginates each user's organization memberships, upserts the
// organizations, then records the membership pairs with conflict-ignore.
func (p *Pipeline) syncOrgs(ctx context.Context, users []model.User) ([]model.Org, error) {
	type membership struct {
		userID    int64
		orgGithub int64
	}

	var (
		mu          sync.Mutex
		orgsByGhID  = make(map[int64]model.Org)
		memberships []membership
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, u := range users {
		u := u
		g.Go(func() error {
			items, err := p.gateway.FetchPaginated(gctx, "users/"+u.Login+"/orgs", nil)
			if err != nil {
				p.logger.Error("failed to fetch orgs", "username", u.Login, "error", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for _, item := range items {
				var org gh.OrgSummary
				if err := json.Unmarshal(item, &org); err != nil {
					p.logger.Error("failed to decode org", "username", u.Login, "error", err)
					continue
				}
				orgsByGhID[org.ID] = model.Org{GithubID: org.ID, Login: org.Login}
				memberships = append(memberships, membership{userID: u.ID, orgGithub: org.ID})
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(orgsByGhID) == 0 {
		p.logger.Info("stage 2 complete", "orgs", 0)
		return nil, nil
	}

	orgs := make([]model.Org, 0, len(orgsByGhID))
	for _, o := range orgsByGhID {
		orgs = append(orgs, o)
	}
	if err := p.store.UpsertOrgs(ctx, orgs); err != nil {
		return nil, err
	}

	ghIDs := make([]int64, 0, len(orgs))
	for _, o := range orgs {
		ghIDs = append(ghIDs, o.GithubID)
	}
	ids, err := p.store.OrgIDsByGithubID(ctx, ghIDs)
	if err != nil {
		return nil, err
	}
	for i := range orgs {
		orgs[i].ID = ids[orgs[i].GithubID]
	}

	links := make([]model.UserOrg, 0, len(memberships))
	for _, m := range memberships {
		orgID, ok := ids[m.orgGithub]
		if !ok {
			continue
		}
		links = append(links, model.UserOrg{UserID: m.userID, OrgID: orgID})
	}
	if err := p.store.InsertUserOrgs(ctx, links); err != nil {
		return nil, err
	}

	p.logger.Info("stage 2 complete", "orgs", len(orgs), "memberships", len(links))
	return orgs, nil
}

// syncRepositories paginates repositories for every user and organization,
// drops forks, and bulk-upserts the rest with the owner reference set.
func (p *Pipeline) syncRepositories(ctx context.Context, users []model.User, orgs []model.Org) error {
	type owner struct {
		path   string
		userID *int64
		orgID  *int64
	}

	owners := make([]owner, 0, len(users)+len(orgs))
	for _, u := range users {
		u := u
		owners = append(owners, owner{path: "users/" + u.Login + "/repos", userID: &u.ID})
	}
	for _, o := range orgs {
		o := o
		owners = append(owners, owner{path: "orgs/" + o.Login + "/repos", orgID: &o.ID})
	}

	var (
		mu        sync.Mutex
		reposByGh = make(map[int64]model.Repository)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, o := range owners {
		o := o
		g.Go(func() error {
			items, err := p.gateway.FetchPaginated(gctx, o.path, nil)
			if err != nil {
				p.logger.Error("failed to fetch repositories", "path", o.path, "error", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for _, item := range items {
				var repo gh.Repo
				if err := json.Unmarshal(item, &repo); err != nil {
					p.logger.Error("failed to decode repository", "path", o.path, "error", err)
					continue
				}
				if repo.Fork {
					continue
				}
				reposByGh[repo.ID] = repositoryFromPayload(repo, o.userID, o.orgID)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(reposByGh) == 0 {
		p.logger.Info("stage 3 complete", "repositories", 0)
		return nil
	}

	repos := make([]model.Repository, 0, len(reposByGh))
	for _, r := range reposByGh {
		repos = append(repos, r)
	}
	if err := p.store.UpsertRepositories(ctx, repos); err != nil {
		return err
	}

	p.logger.Info("stage 3 complete", "repositories", len(repos))
	return nil
}

// enqueueCommitJobs selects every repository due for a commit scrape and
// fans one job per repository into the scheduler under a single batch. It
// does not wait for the jobs.
func (p *Pipeline) enqueueCommitJobs(ctx context.Context) error {
	cutoff := p.now().Add(-p.rescrapeInterval)
	repos, err := p.store.ListRepositoriesForCommitScrape(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		p.logger.Info("stage 4: no repositories due for commit scrape")
		return nil
	}

	logger := p.logger
	batch := jobs.NewBatch("commit-scrape", func() {
		logger.Info("commit scrape batch complete", "repositories", len(repos))
	})
	for _, repo := range repos {
		p.sched.Enqueue(&jobs.Job{
			Name:       "scrape-commits:" + repo.OwnerLogin + "/" + repo.Name,
			Priority:   jobs.PriorityDefault,
			MaxRetries: 2,
			Batch:      batch,
			Run: func(jctx context.Context) error {
				return p.ScrapeRepositoryCommits(jctx, repo)
			},
		})
	}
	batch.Finalize()

	p.logger.Info("stage 4: enqueued commit scrape jobs", "repositories", len(repos), "batch", batch.ID)
	return nil
}

// ScrapeRepositoryCommits is the body of one stage-4 job: fetch all commits
// for the repository, upsert the distinct authors, insert the commits and
// their repo links, and stamp the repository only when everything
// succeeded. A failure anywhere leaves the stamp untouched so the next run
// retries; every write is idempotent, so a retry is harmless.
func (p *Pipeline) ScrapeRepositoryCommits(ctx context.Context, repo model.Repository) error {
	path := fmt.Sprintf("repos/%s/%s/commits", repo.OwnerLogin, repo.Name)
	items, err := p.gateway.FetchPaginated(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("fetching commits for %s/%s: %w", repo.OwnerLogin, repo.Name, err)
	}

	var payloads []gh.Commit
	for _, item := range items {
		var c gh.Commit
		if err := json.Unmarshal(item, &c); err != nil {
			p.logger.Error("failed to decode commit", "repo", repo.Name, "error", err)
			continue
		}
		payloads = append(payloads, c)
	}

	// authors first, so commits can reference them
	authorsByGh := make(map[int64]model.User)
	for _, c := range payloads {
		if c.Author == nil || c.Author.ID == 0 || c.Author.Login == "" {
			continue
		}
		authorsByGh[c.Author.ID] = model.User{GithubID: c.Author.ID, Login: c.Author.Login}
	}

	var authorIDs map[int64]int64
	if len(authorsByGh) > 0 {
		authors := make([]model.User, 0, len(authorsByGh))
		for _, a := range authorsByGh {
			authors = append(authors, a)
		}
		if err := p.store.UpsertAuthors(ctx, authors); err != nil {
			return err
		}

		ghIDs := make([]int64, 0, len(authors))
		for _, a := range authors {
			ghIDs = append(ghIDs, a.GithubID)
		}
		authorIDs, err = p.store.UserIDsByGithubID(ctx, ghIDs)
		if err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(payloads))
	var (
		commits []model.Commit
		links   []model.CommitRepo
	)
	for _, c := range payloads {
		if c.SHA == "" || seen[c.SHA] {
			continue
		}
		// unattributed commits cannot be linked to an author row; skip them
		if c.Author == nil || authorIDs[c.Author.ID] == 0 {
			continue
		}
		seen[c.SHA] = true
		commits = append(commits, model.Commit{
			SHA:         c.SHA,
			AuthorID:    authorIDs[c.Author.ID],
			Message:     c.Commit.Message,
			CommittedAt: c.Commit.Author.Date,
		})
		links = append(links, model.CommitRepo{SHA: c.SHA, RepoID: repo.ID})
	}

	if err := p.store.UpsertCommits(ctx, commits); err != nil {
		return err
	}
	if err := p.store.InsertCommitRepos(ctx, links); err != nil {
		return err
	}

	if err := p.store.SetRepositoryCommitsScraped(ctx, repo.ID, p.now()); err != nil {
		return err
	}

	p.logger.Info("scraped repository commits",
		"repo", repo.OwnerLogin+"/"+repo.Name, "commits", len(commits))
	return nil
}

func (p *Pipeline) userIDs(ctx context.Context, users []model.User) (map[int64]int64, error) {
	ghIDs := make([]int64, 0, len(users))
	for _, u := range users {
		ghIDs = append(ghIDs, u.GithubID)
	}
	return p.store.UserIDsByGithubID(ctx, ghIDs)
}

func userFromAccount(a gh.Account, scrapedAt time.Time) model.User {
	return model.User{
		GithubID:        a.ID,
		Login:           a.Login,
		Name:            a.Name,
		Email:           a.Email,
		Bio:             a.Bio,
		Location:        a.Location,
		Company:         a.Company,
		Blog:            a.Blog,
		TwitterUsername: a.TwitterUsername,
		AvatarURL:       a.AvatarURL,
		PublicRepos:     a.PublicRepos,
		PublicGists:     a.PublicGists,
		Followers:       a.Followers,
		Following:       a.Following,
		GithubCreatedAt: a.CreatedAt,
		GithubUpdatedAt: a.UpdatedAt,
		LastScrapedAt:   &scrapedAt,
	}
}

func repositoryFromPayload(r gh.Repo, userID, orgID *int64) model.Repository {
	return model.Repository{
		GithubID:        r.ID,
		Name:            r.Name,
		UserID:          userID,
		OrgID:           orgID,
		OwnerLogin:      r.Owner.Login,
		Description:     r.Description,
		Homepage:        r.Homepage,
		Language:        r.Language,
		DefaultBranch:   r.DefaultBranch,
		Stars:           r.StargazersCount,
		Forks:           r.ForksCount,
		Watchers:        r.WatchersCount,
		OpenIssues:      r.OpenIssuesCount,
		Size:            r.Size,
		Archived:        r.Archived,
		Topics:          r.Topics,
		PushedAt:        r.PushedAt,
		GithubCreatedAt: r.CreatedAt,
		GithubUpdatedAt: r.UpdatedAt,
	}
}
