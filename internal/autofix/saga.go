package autofix

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/saga"
	"github.com/fyrsmithlabs/remedyd/internal/similarity"
)

// Step names, in execution order.
const (
	StepFindSimilarIssues = "find-similar-issues"
	StepGenerateFix       = "generate-fix"
	StepCreateBranch      = "create-branch"
	StepCreatePR          = "create-pr"
)

// DefaultTopK is how many similar historical fixes feed fix generation.
const DefaultTopK = 5

// SimilarityIndex looks up historical fixes by signature vector.
type SimilarityIndex interface {
	Query(ctx context.Context, vector []float32, topK int) ([]similarity.Match, error)
}

// FixRequest is the context handed to the fix generator.
type FixRequest struct {
	CVEID             string
	VulnerabilityName string
	Description       string
	Snippet           string
	SimilarFixes      []similarity.Match
}

// FixGenerator produces a proposed patch for a vulnerability.
type FixGenerator interface {
	GenerateFix(ctx context.Context, req FixRequest) (string, error)
}

// PullRequest describes the PR to open from the fix branch.
type PullRequest struct {
	Owner string
	Repo  string
	Title string
	Body  string
	Head  string
	Base  string
}

// SourceControl is the hosting API the saga drives. CreateBranch must treat
// an already-existing branch as success so retried runs stay idempotent.
type SourceControl interface {
	CreateBranch(ctx context.Context, owner, repo, branch, baseSHA string) error
	CreatePullRequest(ctx context.Context, pr PullRequest) (string, error)
}

// Output is the auto-fix run's terminal output.
type Output struct {
	PRURL string `json:"prUrl"`
}

// NewDefinition builds the auto-fix saga over the given collaborators.
func NewDefinition(index SimilarityIndex, generator FixGenerator, sourceControl SourceControl, logger *logging.Logger) saga.Definition {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("autofix")

	decodeTrigger := func(f *saga.Flow) (Event, error) {
		var event Event
		if err := f.Trigger(&event); err != nil {
			return event, saga.Terminal(fmt.Errorf("decode trigger: %w", err))
		}
		event.ApplyDefaults()
		return event, nil
	}

	return saga.Definition{
		Type: saga.TypeAutoFix,
		Steps: []saga.Step{
			{
				Name: StepFindSimilarIssues,
				Run: func(ctx context.Context, f *saga.Flow) (any, error) {
					event, err := decodeTrigger(f)
					if err != nil {
						return nil, err
					}
					matches, err := index.Query(ctx, event.VulnerabilitySignature, DefaultTopK)
					if err != nil {
						return nil, fmt.Errorf("similarity lookup for %s: %w", event.CVEID, err)
					}
					logger.Info(ctx, "similar issues found",
						zap.String("cve_id", event.CVEID),
						zap.Int("matches", len(matches)),
					)
					return matches, nil
				},
			},
			{
				Name: StepGenerateFix,
				Run: func(ctx context.Context, f *saga.Flow) (any, error) {
					event, err := decodeTrigger(f)
					if err != nil {
						return nil, err
					}
					var matches []similarity.Match
					if err := f.Result(StepFindSimilarIssues, &matches); err != nil {
						return nil, err
					}
					patch, err := generator.GenerateFix(ctx, FixRequest{
						CVEID:             event.CVEID,
						VulnerabilityName: event.VulnerabilityName,
						Description:       event.Description,
						Snippet:           event.VulnerableCodeSnippet,
						SimilarFixes:      matches,
					})
					if err != nil {
						return nil, fmt.Errorf("generate fix for %s: %w", event.CVEID, err)
					}
					if patch == "" {
						return nil, saga.Terminal(fmt.Errorf("generator returned empty patch for %s", event.CVEID))
					}
					return patch, nil
				},
			},
			{
				Name: StepCreateBranch,
				Run: func(ctx context.Context, f *saga.Flow) (any, error) {
					event, err := decodeTrigger(f)
					if err != nil {
						return nil, err
					}
					branch := branchName(event.CVEID, f.CreatedAt())
					if err := sourceControl.CreateBranch(ctx, event.RepoOwner, event.RepoName, branch, event.BaseSHA); err != nil {
						return nil, fmt.Errorf("create branch %s: %w", branch, err)
					}
					logger.Info(ctx, "fix branch created",
						zap.String("cve_id", event.CVEID),
						zap.String("branch", branch),
					)
					return branch, nil
				},
			},
			{
				Name: StepCreatePR,
				// A permanently failing PR leaves the branch in place for
				// operators to open by hand.
				ExhaustedKind: saga.KindPartialRemediation,
				Run: func(ctx context.Context, f *saga.Flow) (any, error) {
					event, err := decodeTrigger(f)
					if err != nil {
						return nil, err
					}
					var (
						patch  string
						branch string
					)
					if err := f.Result(StepGenerateFix, &patch); err != nil {
						return nil, err
					}
					if err := f.Result(StepCreateBranch, &branch); err != nil {
						return nil, err
					}
					url, err := sourceControl.CreatePullRequest(ctx, PullRequest{
						Owner: event.RepoOwner,
						Repo:  event.RepoName,
						Title: prTitle(event.CVEID, event.VulnerabilityName),
						Body:  prBody(event.CVEID, event.VulnerabilityName, patch),
						Head:  branch,
						Base:  event.BaseBranch,
					})
					if err != nil {
						return nil, fmt.Errorf("create pull request for %s: %w", event.CVEID, err)
					}
					logger.Info(ctx, "pull request opened",
						zap.String("cve_id", event.CVEID),
						zap.String("pr_url", url),
					)
					return url, nil
				},
			},
		},
		Output: func(f *saga.Flow) (any, error) {
			var out Output
			if err := f.Result(StepCreatePR, &out.PRURL); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}
