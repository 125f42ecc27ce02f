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

// ActionsConnector ingests CI workflows and workflow runs. It shares its
// code-hosting source's credential through credential_ref: same token, two
// logical connectors.
type ActionsConnector struct {
	cfg     config.SourceConfig
	creds   credential.Provider
	store   store.Store
	budget  *ratelimit.Budget
	runner  *runner
	matcher DeploymentMatcher
	logger  *zap.Logger

	newClient func(secret credential.Secret) (*github.Client, error)

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewActionsConnector creates the CI-run connector for one source.
func NewActionsConnector(
	cfg config.SourceConfig,
	creds credential.Provider,
	entityStore store.Store,
	budget *ratelimit.Budget,
	policy ratelimit.HeaderPolicy,
	retry config.RetryConfig,
	matcher DeploymentMatcher,
	logger *zap.Logger,
) *ActionsConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ActionsConnector{
		cfg:     cfg,
		creds:   creds,
		store:   entityStore,
		budget:  budget,
		runner:  newRunner(budget, policy, retry),
		matcher: matcher,
		logger:  logger,
		Now:     time.Now,
	}
	c.newClient = func(secret credential.Secret) (*github.Client, error) {
		return newGitHubClient(secret, cfg.BaseURL, githubCallTimeout)
	}
	return c
}

// ID returns the source id.
func (c *ActionsConnector) ID() string {
	return c.cfg.ID
}

// Kind returns the source kind.
func (c *ActionsConnector) Kind() config.SourceKind {
	return config.KindGitHubActions
}

// SupportedMetrics lists the metric identifiers this source feeds.
func (c *ActionsConnector) SupportedMetrics() []string {
	return []string{"deployment-frequency", "lead-time", "deployment-reliability"}
}

// SetDeploymentMatcher swaps the deployment pattern set. The is_deployment
// flag is recomputed for every workflow on the next sync.
func (c *ActionsConnector) SetDeploymentMatcher(matcher DeploymentMatcher) {
	c.matcher = matcher
}

// TestConnection verifies the shared credential against the source.
func (c *ActionsConnector) TestConnection(ctx context.Context) bool {
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

// SyncAll walks workflows and runs for every repository of the account.
func (c *ActionsConnector) SyncAll(ctx context.Context, opts SyncOptions) Result {
	return c.sync(ctx, syncWindow{cursor: opts.Cursor, start: opts.Start, end: opts.End})
}

// SyncRecent fetches only workflow runs created after since.
func (c *ActionsConnector) SyncRecent(ctx context.Context, since time.Time) Result {
	return c.sync(ctx, syncWindow{since: since})
}

func (c *ActionsConnector) sync(ctx context.Context, window syncWindow) Result {
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

	repos, err := c.listRepositories(ctx, client)
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
			c.logger.Warn("workflow sync failed",
				zap.String("source", c.cfg.ID),
				zap.String("repo", repo.GetFullName()),
				zap.Error(err))
			result.addError(fmt.Errorf("repo %s: %w", repo.GetFullName(), err))
		}
	}

	finishResult(&result, nil, c.Now())
	return result
}

func (c *ActionsConnector) listRepositories(ctx context.Context, client *github.Client) ([]*github.Repository, error) {
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
		all = append(all, page...)
		if nextPage == 0 {
			return all, nil
		}
		listOpts.Page = nextPage
	}
}

func (c *ActionsConnector) syncRepository(
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

	if err := c.syncWorkflows(ctx, client, owner, name, repoNativeID, result); err != nil {
		return err
	}
	return c.syncRuns(ctx, client, owner, name, repoNativeID, window, result)
}

func (c *ActionsConnector) syncWorkflows(
	ctx context.Context,
	client *github.Client,
	owner, name, repoNativeID string,
	result *Result,
) error {
	listOpts := &github.ListOptions{PerPage: githubPageSize}
	for {
		var page *github.Workflows
		var nextPage int
		err := c.runner.call(ctx, func(ctx context.Context) (callMeta, error) {
			workflows, resp, err := client.Actions.ListWorkflows(ctx, owner, name, listOpts)
			if classified := classifyGitHubError(resp, err); classified != nil {
				return githubCallMeta(resp), classified
			}
			page = workflows
			nextPage = resp.NextPage
			return githubCallMeta(resp), nil
		})
		if err != nil {
			return err
		}

		for _, workflow := range page.Workflows {
			// is_deployment is recomputed every sync so pattern changes
			// take effect without a backfill.
			if err := c.store.UpsertWorkflow(ctx, store.Workflow{
				SourceID:     c.cfg.ID,
				NativeID:     fmt.Sprintf("%d", workflow.GetID()),
				RepoNativeID: repoNativeID,
				Name:         workflow.GetName(),
				Path:         workflow.GetPath(),
				IsDeployment: c.matcher.Match(workflow.GetName(), workflow.GetPath()),
			}); err != nil {
				return fmt.Errorf("upsert workflow: %w", err)
			}
			result.count("workflows", 1)
		}

		if nextPage == 0 {
			return nil
		}
		listOpts.Page = nextPage
	}
}

func (c *ActionsConnector) syncRuns(
	ctx context.Context,
	client *github.Client,
	owner, name, repoNativeID string,
	window syncWindow,
	result *Result,
) error {
	listOpts := &github.ListWorkflowRunsOptions{
		ListOptions: github.ListOptions{PerPage: githubPageSize},
	}
	if created := runCreatedFilter(window); created != "" {
		listOpts.Created = created
	}

	for {
		var page *github.WorkflowRuns
		var nextPage int
		err := c.runner.call(ctx, func(ctx context.Context) (callMeta, error) {
			runs, resp, err := client.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, listOpts)
			if classified := classifyGitHubError(resp, err); classified != nil {
				return githubCallMeta(resp), classified
			}
			page = runs
			nextPage = resp.NextPage
			return githubCallMeta(resp), nil
		})
		if err != nil {
			return err
		}

		for _, run := range page.WorkflowRuns {
			record := store.WorkflowRun{
				SourceID:         c.cfg.ID,
				NativeID:         fmt.Sprintf("%d", run.GetID()),
				WorkflowNativeID: fmt.Sprintf("%d", run.GetWorkflowID()),
				RepoNativeID:     repoNativeID,
				Status:           run.GetStatus(),
				Conclusion:       run.GetConclusion(),
				HeadSHA:          run.GetHeadSHA(),
				HeadBranch:       run.GetHeadBranch(),
				StartedAt:        run.GetRunStartedAt().Time,
			}
			if run.GetStatus() == "completed" {
				completedAt := run.GetUpdatedAt().Time
				if !completedAt.IsZero() {
					record.CompletedAt = &completedAt
				}
			}
			if err := c.store.UpsertWorkflowRun(ctx, record); err != nil {
				return fmt.Errorf("upsert workflow run: %w", err)
			}
			result.count("workflow_runs", 1)
		}

		if nextPage == 0 {
			return nil
		}
		listOpts.Page = nextPage
	}
}

// runCreatedFilter renders the window as a GitHub created-date range filter.
func runCreatedFilter(window syncWindow) string {
	const day = "2006-01-02"
	switch {
	case !window.since.IsZero():
		return ">=" + window.since.UTC().Format(day)
	case !window.start.IsZero() && !window.end.IsZero():
		return window.start.UTC().Format(day) + ".." + window.end.UTC().Format(day)
	case !window.start.IsZero():
		return ">=" + window.start.UTC().Format(day)
	default:
		return ""
	}
}
