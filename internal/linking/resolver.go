package linking

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/devpulse/devpulse/internal/store"
	"go.uber.org/zap"
)

// Resolver derives the associations no single source provides: issue to
// pull request, and deployment run to pull request. It runs after each
// connector sync, not on its own schedule.
type Resolver struct {
	store  store.Store
	logger *zap.Logger

	mu    sync.RWMutex
	index *Index
}

// NewResolver creates a resolver over the entity store.
func NewResolver(entityStore store.Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:  entityStore,
		logger: logger,
		index:  newIndex(),
	}
}

// Index returns the current attribution index snapshot.
func (r *Resolver) Index() *Index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index
}

// Resolve recomputes issue links and the deployment attribution index from
// the current store contents. Safe to call concurrently; the store guards
// link writes with first-match-wins.
func (r *Resolver) Resolve(ctx context.Context) error {
	issues, err := r.store.ListIssues(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("list issues: %w", err)
	}
	teams, err := r.store.ListIssueTeams(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("list teams: %w", err)
	}
	prs, err := r.store.ListPullRequests(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("list pull requests: %w", err)
	}
	commits, err := r.store.ListCommits(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("list commits: %w", err)
	}

	linked, err := r.linkIssues(ctx, issues, teams, prs)
	if err != nil {
		return err
	}
	if linked > 0 {
		r.logger.Info("resolved issue links", zap.Int("count", linked))
	}

	index := BuildIndex(prs, commits)
	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
	return nil
}

// linkIssues matches issue identifiers against pull requests in two passes:
// all branch-name matches first, then title/body matches. A later pass never
// overwrites a link set by an earlier one.
func (r *Resolver) linkIssues(
	ctx context.Context,
	issues []store.Issue,
	teams []store.IssueTeam,
	prs []store.PullRequest,
) (int, error) {
	pattern := identifierPattern(teams)
	if pattern == nil {
		return 0, nil
	}

	byIdentifier := make(map[string]store.Issue, len(issues))
	for _, issue := range issues {
		if issue.Identifier == "" {
			continue
		}
		byIdentifier[strings.ToUpper(issue.Identifier)] = issue
	}
	if len(byIdentifier) == 0 {
		return 0, nil
	}

	linked := 0
	apply := func(pr store.PullRequest, text string) error {
		for _, match := range pattern.FindAllString(text, -1) {
			issue, ok := byIdentifier[strings.ToUpper(match)]
			if !ok {
				continue
			}
			set, err := r.store.LinkIssuePR(ctx, issue.SourceID, issue.NativeID, pr.NativeID)
			if err != nil {
				return fmt.Errorf("link issue %s: %w", issue.Identifier, err)
			}
			if set {
				linked++
			}
		}
		return nil
	}

	for _, pr := range prs {
		if err := apply(pr, pr.Branch); err != nil {
			return linked, err
		}
	}
	for _, pr := range prs {
		if err := apply(pr, pr.Title+"\n"+pr.Body); err != nil {
			return linked, err
		}
	}
	return linked, nil
}

// identifierPattern builds the exact-identifier matcher from the known team
// keys. Case-insensitive, word-bounded, never fuzzy.
func identifierPattern(teams []store.IssueTeam) *regexp.Regexp {
	keys := make([]string, 0, len(teams))
	seen := make(map[string]bool, len(teams))
	for _, team := range teams {
		key := strings.ToUpper(strings.TrimSpace(team.Key))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, regexp.QuoteMeta(key))
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(keys, "|") + `)-\d+\b`)
}

// Index holds the multi-hop lookup tables for deployment attribution:
// commit sha to pull request, and pull request to its first authored
// commit. Built once per resolve, read by the metrics engine.
type Index struct {
	shaToPR     map[string]store.PullRequest
	firstCommit map[string]store.Commit
}

func newIndex() *Index {
	return &Index{
		shaToPR:     make(map[string]store.PullRequest),
		firstCommit: make(map[string]store.Commit),
	}
}

// BuildIndex computes the attribution index from pull requests and commits.
// When a sha appears in more than one PR (cherry-picks), the PR merged
// first wins.
func BuildIndex(prs []store.PullRequest, commits []store.Commit) *Index {
	index := newIndex()

	ordered := make([]store.PullRequest, len(prs))
	copy(ordered, prs)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		switch {
		case a.MergedAt == nil && b.MergedAt == nil:
			return a.NativeID < b.NativeID
		case a.MergedAt == nil:
			return false
		case b.MergedAt == nil:
			return true
		case !a.MergedAt.Equal(*b.MergedAt):
			return a.MergedAt.Before(*b.MergedAt)
		default:
			return a.NativeID < b.NativeID
		}
	})

	byNativeID := make(map[string]store.PullRequest, len(ordered))
	for _, pr := range ordered {
		byNativeID[pr.NativeID] = pr
		if pr.MergeCommitSHA != "" {
			if _, taken := index.shaToPR[pr.MergeCommitSHA]; !taken {
				index.shaToPR[pr.MergeCommitSHA] = pr
			}
		}
	}

	for _, commit := range commits {
		if commit.PRNativeID == "" {
			continue
		}
		pr, ok := byNativeID[commit.PRNativeID]
		if !ok {
			continue
		}
		if _, taken := index.shaToPR[commit.SHA]; !taken {
			index.shaToPR[commit.SHA] = pr
		}
		first, ok := index.firstCommit[commit.PRNativeID]
		if !ok || commit.CommittedAt.Before(first.CommittedAt) {
			index.firstCommit[commit.PRNativeID] = commit
		}
	}
	return index
}

// AttributePR finds the pull request a deployment head sha belongs to.
// A miss is not an error; the run is simply excluded from lead time.
func (i *Index) AttributePR(headSHA string) (store.PullRequest, bool) {
	pr, ok := i.shaToPR[headSHA]
	return pr, ok
}

// FirstCommit returns the earliest authored commit on a PR's branch.
func (i *Index) FirstCommit(prNativeID string) (store.Commit, bool) {
	commit, ok := i.firstCommit[prNativeID]
	return commit, ok
}
