// internal/pipeline/tracker.go
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gh-ingestor/internal/gh"
)

// AddResult reports the outcome of an add-tracked-accounts request,
// bucketed per username.
type AddResult struct {
	Added       []string `json:"added"`
	Updated     []string `json:"updated"`
	SkippedOrgs []string `json:"skipped_orgs"`
	Errors      []string `json:"errors"`
}

// AddTrackedAccounts registers usernames for crawling. Existing tracked
// accounts get the new tags merged into their tag set; unknown usernames
// are resolved upstream first, and names that turn out to be organizations
// are skipped. Failures are reported per username and never abort the rest.
func (p *Pipeline) AddTrackedAccounts(ctx context.Context, usernames, tags []string) (AddResult, error) {
	var res AddResult
	now := p.now()

	for _, username := range usernames {
		existing, err := p.store.GetTrackedAccount(ctx, username)
		if err != nil {
			return res, fmt.Errorf("looking up tracked account %s: %w", username, err)
		}

		if existing != nil {
			merged := mergeTags(existing.Tags, tags)
			if err := p.store.UpdateTrackedAccountTags(ctx, existing.ID, merged); err != nil {
				return res, fmt.Errorf("updating tags for %s: %w", username, err)
			}
			res.Updated = append(res.Updated, username)
			continue
		}

		body, err := p.gateway.Fetch(ctx, "users/"+username, nil)
		if err != nil {
			switch {
			case errors.Is(err, gh.ErrNotFound):
				res.Errors = append(res.Errors, username+" - user not found")
			case errors.Is(err, gh.ErrRateLimited):
				res.Errors = append(res.Errors, username+" - rate limit exceeded, try again later")
			case errors.Is(err, gh.ErrNoCredentials):
				res.Errors = append(res.Errors, username+" - no available credentials")
			default:
				res.Errors = append(res.Errors, username+" - "+err.Error())
			}
			continue
		}

		var acct gh.Account
		if err := json.Unmarshal(body, &acct); err != nil {
			res.Errors = append(res.Errors, username+" - "+err.Error())
			continue
		}

		if acct.Type == "Organization" {
			res.SkippedOrgs = append(res.SkippedOrgs, username)
			continue
		}

		if err := p.store.CreateTrackedAccount(ctx, username, &acct.ID, tags, now); err != nil {
			return res, fmt.Errorf("creating tracked account %s: %w", username, err)
		}
		res.Added = append(res.Added, username)
	}

	return res, nil
}

// RequestRescrape bumps last_requested_at for the given usernames (all
// tracked accounts when empty) so operators can see what was asked for and
// when. The caller enqueues the actual pipeline run.
func (p *Pipeline) RequestRescrape(ctx context.Context, usernames []string) error {
	return p.store.MarkTrackedAccountsRequested(ctx, usernames, p.now())
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	var out []string
	for _, t := range existing {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range incoming {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
