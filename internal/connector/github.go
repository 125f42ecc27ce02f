package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/credential"
	"github.com/devpulse/devpulse/internal/ratelimit"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/google/go-github/v75/github"
	"go.uber.org/zap"
)

const (
	githubPageSize    = 100
	githubCallTimeout = 30 * time.Second
	repoCursorPrefix  = "repo:"
)

// GitHubConnector ingests repositories, pull requests, reviews, comments,
// and commits from a GitHub-compatible code-hosting source.
type GitHubConnector struct {
	cfg    config.SourceConfig
	creds  credential.Provider
	store  store.Store
	budget *ratelimit.Budget
	runner *runner
	logger *zap.Logger

	// newClient is injected for tests.
	newClient func(secret credential.Secret) (*github.Client, error)

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewGitHubConnector creates the code-hosting connector for one source.
func NewGitHubConnector(
	cfg config.SourceConfig,
	creds credential.Provider,
	entityStore store.Store,
	budget *ratelimit.Budget,
	policy ratelimit.HeaderPolicy,
	retry config.RetryConfig,
	logger *zap.Logger,
) *GitHubConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &GitHubConnector{
		cfg:    cfg,
		creds:  creds,
		store:  entityStore,
		budget: budget,
		runner: newRunner(budget, policy, retry),
		logger: logger,
		Now:    time.Now,
	}
	c.newClient = func(secret credential.Secret) (*github.Client, error) {
		return newGitHubClient(secret, cfg.BaseURL, githubCallTimeout)
	}
	return c
}

// ID returns the source id.
func (c *GitHubConnector) ID() string {
	return c.cfg.ID
}

// Kind returns the source kind.
func (c *GitHubConnector) Kind() config.SourceKind {
	return config.KindGitHub
}

// SupportedMetrics lists the metric identifiers this source feeds.
func (c *GitHubConnector) SupportedMetrics() []string {
	return []string{"review-time", "merge-time", "throughput", "pr-health", "reviewer-workload", "cycle-time"}
}

// TestConnection verifies the credential against the source.
func (c *GitHubConnector) TestConnection(ctx context.Context) bool {
	secret, ok, err := c.creds.Credential(ctx, c.cfg.ID)
	if err != nil || !ok {
		return false
	}
	client, err := c.newClient(secret)
	if err != nil {
		return false
	}
	_, resp, err := client.Organizations.Get(ctx, c.cfg.Account)
	return err == nil && resp != nil && resp.StatusCode < 400
}

// SyncAll walks the source's repositories and their pull-request activity.
func (c *GitHubConnector) SyncAll(ctx context.Context, opts SyncOptions) Result {
	return c.sync(ctx, syncWindow{cursor: opts.Cursor, start: opts.Start, end: opts.End})
}

// SyncRecent fetches only pull requests updated after since.
func (c *GitHubConnector) SyncRecent(ctx context.Context, since time.Time) Result {
	return c.sync(ctx, syncWindow{since: since})
}

type syncWindow struct {
	cursor string
	since  time.Time
	start  time.Time
	end    time.Time
}

// inRange reports whether an update timestamp belongs in this window.
func (w syncWindow) inRange(updated time.Time) bool {
	if !w.since.IsZero() && updated.Before(w.since) {
		return false
	}
	if !w.start.IsZero() && updated.Before(w.start) {
		return false
	}
	if !w.end.IsZero() && updated.After(w.end) {
		return false
	}
	return true
}

// belowFloor reports whether pagination sorted by update time can stop.
func (w syncWindow) belowFloor(updated time.Time) bool {
	if !w.since.IsZero() && updated.Before(w.since) {
		return true
	}
	if !w.start.IsZero() && updated.Before(w.start) {
		return true
	}
	return false
}

func (c *GitHubConnector) sync(ctx context.Context, window syncWindow) Result {
	now := c.Now()
	result := newResult(c.cfg.ID, now)

	secret, ok, err := c.creds.Credential(ctx, c.cfg.ID)
	if err != nil {
		result.Status = StatusFailed
		result.addError(fmt.Errorf("resolve credential: %w", err))
		result.CompletedAt = c.Now()
		return result
	}
	if !ok {
		result.Status = StatusNotConfigured
		result.CompletedAt = c.Now()
		return result
	}

	client, err := c.newClient(secret)
	if err != nil {
		result.Status = StatusFailed
		result.addError(err)
		result.CompletedAt = c.Now()
		return result
	}

	c.budget.StartRun()

	repos, err := c.listRepositories(ctx, client, &result)
	if err != nil {
		finishResult(&result, err, c.Now())
		return result
	}

	// A cursor without the repo prefix is not ours; fall back to a full
	// walk instead of skipping repositories.
	resumeFrom := ""
	if strings.HasPrefix(window.cursor, repoCursorPrefix) {
		resumeFrom = strings.TrimPrefix(window.cursor, repoCursorPrefix)
	}
	skipping := resumeFrom != ""

	for _, repo := range repos {
		if skipping {
			if repo.GetFullName() == resumeFrom {
				skipping = false
			} else {
				continue
			}
		}

		if err := c.syncRepository(ctx, client, repo, window, &result); err != nil {
			if isAuthError(err) {
				finishResult(&result, err, c.Now())
				return result
			}
			if errors.Is(err, ratelimit.ErrRunBudgetExhausted) || errors.Is(err, ratelimit.ErrHourBudgetExhausted) {
				result.NextCursor = repoCursorPrefix + repo.GetFullName()
				finishResult(&result, err, c.Now())
				return result
			}
			// Transient exhaustion is isolated to the repository; the run
			// continues and ends partial.
			c.logger.Warn("repository sync failed",
				zap.String("source", c.cfg.ID),
				zap.String("repo", repo.GetFullName()),
				zap.Error(err))
			result.addError(fmt.Errorf("repo %s: %w", repo.GetFullName(), err))
		}
	}

	finishResult(&result, nil, c.Now())
	return result
}

func (c *GitHubConnector) listRepositories(ctx context.Context, client *github.Client, result *Result) ([]*github.Repository, error) {
	var all []*github.Repository
	listOpts := &github.RepositoryListByOrgOptions{
		ListOptions: github.ListOptions{PerPage: githubPageSize},
	}
	for {
		var page []*github.Repository
		var nextPage int
		err := c.runner.call(ctx, func(ctx context.Context) (callMeta, error) {
			repos, resp, err := client.Repositories.ListByOrg(ctx, c.cfg.Account, listOpts)
			if classified := classifyGitHubError(resp, err); classified != nil {
				return githubCallMeta(resp), classified
			}
			page = repos
			nextPage = resp.NextPage
			return githubCallMeta(resp), nil
		})
		if err != nil {
			return nil, err
		}

		for _, repo := range page {
			if upsertErr := c.store.UpsertRepository(ctx, store.Repository{
				SourceID:      c.cfg.ID,
				NativeID:      fmt.Sprintf("%d", repo.GetID()),
				FullName:      repo.GetFullName(),
				DefaultBranch: repo.GetDefaultBranch(),
			}); upsertErr != nil {
				return nil, fmt.Errorf("upsert repository: %w", upsertErr)
			}
			result.count("repositories", 1)
		}
		all = append(all, page...)

		if nextPage == 0 {
			return all, nil
		}
		listOpts.Page = nextPage
	}
}

func (c *GitHubConnector) syncRepository(
	ctx context.Context,
	client *github.Client,
	repo *github.Repository,
	window syncWindow,
	result *Result,
) error {
	owner, name, err := splitFullName(repo.GetFullName())
	if err != nil {
		return err
	}
	repoNativeID := fmt.Sprintf("%d", repo.GetID())

	listOpts := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: githubPageSize},
	}
	for {
		var page []*github.PullRequest
		var nextPage int
		err := c.runner.call(ctx, func(ctx context.Context) (callMeta, error) {
			prs, resp, err := client.PullRequests.List(ctx, owner, name, listOpts)
			if classified := classifyGitHubError(resp, err); classified != nil {
				return githubCallMeta(resp), classified
			}
			page = prs
			nextPage = resp.NextPage
			return githubCallMeta(resp), nil
		})
		if err != nil {
			return err
		}

		stop := false
		for _, pr := range page {
			updated := pr.GetUpdatedAt().Time
			if window.belowFloor(updated) {
				stop = true
				break
			}
			if !window.inRange(updated) {
				continue
			}
			if err := c.syncPullRequest(ctx, client, owner, name, repoNativeID, pr, result); err != nil {
				return err
			}
		}

		if stop || nextPage == 0 {
			return nil
		}
		listOpts.Page = nextPage
	}
}

func (c *GitHubConnector) syncPullRequest(
	ctx context.Context,
	client *github.Client,
	owner, name, repoNativeID string,
	listed *github.PullRequest,
	result *Result,
) error {
	number := listed.GetNumber()

	// The list payload omits additions, deletions, and commit counts.
	var detailed *github.PullRequest
	err := c.runner.call(ctx, func(ctx context.Context) (callMeta, error) {
		pr, resp, err := client.PullRequests.Get(ctx, owner, name, number)
		if classified := classifyGitHubError(resp, err); classified != nil {
			return githubCallMeta(resp), classified
		}
		detailed = pr
		return githubCallMeta(resp), nil
	})
	if err != nil {
		return err
	}

	record := prToRecord(c.cfg.ID, repoNativeID, detailed)
	if err := c.store.UpsertPullRequest(ctx, record); err != nil {
		return fmt.Errorf("upsert pull request: %w", err)
	}
	result.count("pull_requests", 1)

	if err := c.syncReviews(ctx, client, owner, name, record.NativeID, number, result); err != nil {
		return err
	}
	if err := c.syncPRCommits(ctx, client, owner, name, repoNativeID, record.NativeID, number, result); err != nil {
		return err
	}
	return c.syncPRComments(ctx, client, owner, name, record.NativeID, number, result)
}

func (c *GitHubConnector) syncReviews(
	ctx context.Context,
	client *github.Client,
	owner, name, prNativeID string,
	number int,
	result *Result,
) error {
	listOpts := &github.ListOptions{PerPage: githubPageSize}
	for {
		var page []*github.PullRequestReview
		var nextPage int
		err := c.runner.call(ctx, func(ctx context.Context) (callMeta, error) {
			reviews, resp, err := client.PullRequests.ListReviews(ctx, owner, name, number, listOpts)
			if classified := classifyGitHubError(resp, err); classified != nil {
				return githubCallMeta(resp), classified
			}
			page = reviews
			nextPage = resp.NextPage
			return githubCallMeta(resp), nil
		})
		if err != nil {
			return err
		}

		for _, review := range page {
			state := normalizeReviewState(review.GetState())
			if state == "" {
				continue
			}
			if err := c.store.UpsertReview(ctx, store.Review{
				SourceID:    c.cfg.ID,
				NativeID:    fmt.Sprintf("%d", review.GetID()),
				PRNativeID:  prNativeID,
				Reviewer:    review.GetUser().GetLogin(),
				State:       state,
				SubmittedAt: review.GetSubmittedAt().Time,
			}); err != nil {
				return fmt.Errorf("upsert review: %w", err)
			}
			result.count("reviews", 1)
		}

		if nextPage == 0 {
			return nil
		}
		listOpts.Page = nextPage
	}
}

func (c *GitHubConnector) syncPRCommits(
	ctx context.Context,
	client *github.Client,
	owner, name, repoNativeID, prNativeID string,
	number int,
	result *Result,
) error {
	listOpts := &github.ListOptions{PerPage: githubPageSize}
	for {
		var page []*github.RepositoryCommit
		var nextPage int
		err := c.runner.call(ctx, func(ctx context.Context) (callMeta, error) {
			commits, resp, err := client.PullRequests.ListCommits(ctx, owner, name, number, listOpts)
			if classified := classifyGitHubError(resp, err); classified != nil {
				return githubCallMeta(resp), classified
			}
			page = commits
			nextPage = resp.NextPage
			return githubCallMeta(resp), nil
		})
		if err != nil {
			return err
		}

		for _, commit := range page {
			if err := c.store.UpsertCommit(ctx, store.Commit{
				SourceID:     c.cfg.ID,
				SHA:          commit.GetSHA(),
				RepoNativeID: repoNativeID,
				PRNativeID:   prNativeID,
				Author:       commitAuthor(commit),
				CommittedAt:  commit.GetCommit().GetCommitter().GetDate().Time,
			}); err != nil {
				return fmt.Errorf("upsert commit: %w", err)
			}
			result.count("commits", 1)
		}

		if nextPage == 0 {
			return nil
		}
		listOpts.Page = nextPage
	}
}

func (c *GitHubConnector) syncPRComments(
	ctx context.Context,
	client *github.Client,
	owner, name, prNativeID string,
	number int,
	result *Result,
) error {
	listOpts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: githubPageSize},
	}
	for {
		var page []*github.IssueComment
		var nextPage int
		err := c.runner.call(ctx, func(ctx context.Context) (callMeta, error) {
			comments, resp, err := client.Issues.ListComments(ctx, owner, name, number, listOpts)
			if classified := classifyGitHubError(resp, err); classified != nil {
				return githubCallMeta(resp), classified
			}
			page = comments
			nextPage = resp.NextPage
			return githubCallMeta(resp), nil
		})
		if err != nil {
			return err
		}

		for _, comment := range page {
			if err := c.store.UpsertComment(ctx, store.Comment{
				SourceID:   c.cfg.ID,
				NativeID:   fmt.Sprintf("%d", comment.GetID()),
				PRNativeID: prNativeID,
				Author:     comment.GetUser().GetLogin(),
				Body:       comment.GetBody(),
				CreatedAt:  comment.GetCreatedAt().Time,
			}); err != nil {
				return fmt.Errorf("upsert comment: %w", err)
			}
			result.count("comments", 1)
		}

		if nextPage == 0 {
			return nil
		}
		listOpts.Page = nextPage
	}
}

func prToRecord(sourceID, repoNativeID string, pr *github.PullRequest) store.PullRequest {
	record := store.PullRequest{
		SourceID:       sourceID,
		NativeID:       fmt.Sprintf("%d", pr.GetID()),
		RepoNativeID:   repoNativeID,
		Number:         pr.GetNumber(),
		State:          PRState(pr),
		Draft:          pr.GetDraft(),
		Author:         pr.GetUser().GetLogin(),
		Title:          pr.GetTitle(),
		Body:           pr.GetBody(),
		Branch:         pr.GetHead().GetRef(),
		MergeCommitSHA: pr.GetMergeCommitSHA(),
		CreatedAt:      pr.GetCreatedAt().Time,
		UpdatedAt:      pr.GetUpdatedAt().Time,
		Additions:      pr.GetAdditions(),
		Deletions:      pr.GetDeletions(),
		CommitCount:    pr.GetCommits(),
	}
	if mergedAt := pr.GetMergedAt().Time; !mergedAt.IsZero() {
		record.MergedAt = &mergedAt
	}
	if closedAt := pr.GetClosedAt().Time; !closedAt.IsZero() {
		record.ClosedAt = &closedAt
	}
	return record
}

// PRState maps GitHub's state plus merged_at into the normalized state.
// merged_at set always implies merged.
func PRState(pr *github.PullRequest) store.PRState {
	if !pr.GetMergedAt().Time.IsZero() {
		return store.PRMerged
	}
	if pr.GetState() == "closed" {
		return store.PRClosed
	}
	return store.PROpen
}

func normalizeReviewState(raw string) store.ReviewState {
	switch strings.ToLower(raw) {
	case "approved":
		return store.ReviewApproved
	case "changes_requested":
		return store.ReviewChangesRequested
	case "commented":
		return store.ReviewCommented
	default:
		return ""
	}
}

func commitAuthor(commit *github.RepositoryCommit) string {
	if login := commit.GetAuthor().GetLogin(); login != "" {
		return login
	}
	return commit.GetCommit().GetAuthor().GetName()
}

func splitFullName(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed repository name %q", fullName)
	}
	return parts[0], parts[1], nil
}
