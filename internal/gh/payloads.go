// internal/gh/payloads.go
package gh

import "time"

// Account is the subset of a GitHub user or organization profile the
// pipeline consumes. The Type field distinguishes "User" from "Organization".
type Account struct {
	ID              int64      `json:"id"`
	Login           string     `json:"login"`
	Type            string     `json:"type"`
	Name            *string    `json:"name"`
	Email           *string    `json:"email"`
	Bio             *string    `json:"bio"`
	Location        *string    `json:"location"`
	Company         *string    `json:"company"`
	Blog            *string    `json:"blog"`
	TwitterUsername *string    `json:"twitter_username"`
	AvatarURL       *string    `json:"avatar_url"`
	PublicRepos     int        `json:"public_repos"`
	PublicGists     int        `json:"public_gists"`
	Followers       int        `json:"followers"`
	Following       int        `json:"following"`
	CreatedAt       *time.Time `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at"`
}

// OrgSummary is the shape returned by the organization membership listing.
type OrgSummary struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// Repo is a repository as returned by the user/org repository listings.
type Repo struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Fork            bool       `json:"fork"`
	Owner           Account    `json:"owner"`
	Description     *string    `json:"description"`
	Homepage        *string    `json:"homepage"`
	Language        *string    `json:"language"`
	DefaultBranch   *string    `json:"default_branch"`
	StargazersCount int        `json:"stargazers_count"`
	ForksCount      int        `json:"forks_count"`
	WatchersCount   int        `json:"watchers_count"`
	OpenIssuesCount int        `json:"open_issues_count"`
	Size            int        `json:"size"`
	Archived        bool       `json:"archived"`
	Topics          []string   `json:"topics"`
	PushedAt        *time.Time `json:"pushed_at"`
	CreatedAt       *time.Time `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at"`
}

// Commit is one element of a repository commit listing. Author is nil when
// GitHub cannot attribute the commit to an account.
type Commit struct {
	SHA    string   `json:"sha"`
	Author *Account `json:"author"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}
