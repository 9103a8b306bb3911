package executor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dcarlson/foreman/internal/agent"
	"github.com/dcarlson/foreman/internal/config"
	"github.com/dcarlson/foreman/internal/gitops"
	"github.com/dcarlson/foreman/internal/logger"
	"github.com/dcarlson/foreman/internal/models"
	"github.com/dcarlson/foreman/internal/plan"
	"github.com/dcarlson/foreman/internal/report"
)

// AgentRunner is the slice of the agent invoker the run loop uses. Tests
// substitute a scripted fake.
type AgentRunner interface {
	Invoke(ctx context.Context, req agent.Request) (*agent.Result, error)
	Review(ctx context.Context, planFile, dir string, rc agent.ReviewContext) (*models.ReviewResult, *agent.Result, error)
	Edit(ctx context.Context, planFile, dir string, ec agent.EditContext) ([]models.StepResult, *agent.Result, error)
}

// Orchestrator drives one plan from preflight to archive: it resolves ready
// steps, dispatches workers batch by batch, commits their output, runs the
// review loop, and keeps the plan file authoritative throughout.
type Orchestrator struct {
	Config *config.Config
	Store  *plan.Store
	Git    *gitops.Git
	Agent  AgentRunner
	Log    *logger.Console

	// now is swappable for deterministic report timestamps in tests.
	now func() time.Time
}

// NewOrchestrator wires an orchestrator from its parts.
func NewOrchestrator(cfg *config.Config, store *plan.Store, git *gitops.Git, runner AgentRunner, log *logger.Console) *Orchestrator {
	return &Orchestrator{
		Config: cfg,
		Store:  store,
		Git:    git,
		Agent:  runner,
		Log:    log,
		now:    time.Now,
	}
}

// stepOutcome accumulates what one step produced across dispatch and review.
type stepOutcome struct {
	stepID  string
	result  models.StepResult
	message string
	reviews []models.ReviewRecord
}

// Run executes the plan to completion or to a blocked halt. The returned
// report is non-nil whenever execution started, including on halt.
func (o *Orchestrator) Run(ctx context.Context) (*report.RunReport, error) {
	p := o.Store.Plan()
	startedAt := o.now()

	if err := o.preflight(ctx, p); err != nil {
		return nil, err
	}
	sourceBranch, workBranch, err := o.ensureBranches(ctx, p)
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]*stepOutcome)
	var runErr error

	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		p = o.Store.Plan()
		if p.IsComplete() {
			break
		}

		ready := ReadySteps(p)
		if len(ready) == 0 {
			blocked := sortedIDs(p.BlockedIDs())
			runErr = &BlockedHaltError{PlanID: p.ID(), BlockedIDs: blocked}
			break
		}

		slots := 1
		if o.Config.Parallel {
			slots = o.Config.MaxParallel
		}
		batch := PartitionSteps(ready, slots, 0)
		if len(batch) == 0 {
			runErr = fmt.Errorf("no dispatchable steps despite %d ready", len(ready))
			break
		}

		batchOutcomes, err := o.runBatch(ctx, batch, workBranch)
		if err != nil {
			runErr = err
			break
		}
		for _, oc := range batchOutcomes {
			outcomes[oc.stepID] = oc
		}
	}

	rep := o.buildReport(startedAt, sourceBranch, workBranch, outcomes)
	if runErr != nil {
		rep.Outcome = models.OutcomeBlocked
		return rep, runErr
	}

	return o.finish(ctx, rep, sourceBranch, workBranch)
}

// preflight refuses to start on an invalid plan, a cyclic dependency graph,
// or a dirty working tree.
func (o *Orchestrator) preflight(ctx context.Context, p *models.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := ResolveExecutionGroups(p.Steps); err != nil {
		return err
	}

	clean, err := o.Git.IsClean(ctx)
	if err != nil {
		return err
	}
	if !clean {
		return &DirtyTreeError{Dir: o.Git.Dir}
	}
	return nil
}

// ensureBranches stamps the source branch on first run and puts the
// repository on the plan's work branch. A resumed plan reuses the recorded
// branches.
func (o *Orchestrator) ensureBranches(ctx context.Context, p *models.Plan) (source, work string, err error) {
	source = p.MetaString(models.MetaSourceBranch)
	work = p.MetaString(models.MetaWorkBranch)

	if work != "" {
		current, err := o.Git.CurrentBranch(ctx)
		if err != nil {
			return "", "", err
		}
		if current != work {
			if err := o.Git.SwitchBranch(ctx, work); err != nil {
				return "", "", err
			}
		}
		return source, work, nil
	}

	source, err = o.Git.CurrentBranch(ctx)
	if err != nil {
		return "", "", err
	}
	work = gitops.WorkBranchName(p.ID())

	exists, err := o.Git.BranchExists(ctx, work)
	if err != nil {
		return "", "", err
	}
	if exists {
		err = o.Git.SwitchBranch(ctx, work)
	} else {
		err = o.Git.CreateBranch(ctx, work)
	}
	if err != nil {
		return "", "", err
	}

	if err := o.Store.SetMetadata(models.MetaSourceBranch, source); err != nil {
		return "", "", err
	}
	if err := o.Store.SetMetadata(models.MetaWorkBranch, work); err != nil {
		return "", "", err
	}
	return source, work, nil
}

// runBatch executes one partition: a single serial step, or a group of
// parallel steps in isolated worktrees. Statuses are persisted before and
// after, one save each.
func (o *Orchestrator) runBatch(ctx context.Context, batch []models.Step, workBranch string) ([]*stepOutcome, error) {
	updates := make(map[string]plan.StatusUpdate, len(batch))
	for _, s := range batch {
		updates[s.ID] = plan.StatusUpdate{Status: models.StatusInProgress}
	}
	if err := o.Store.UpdateStepsStatus(updates); err != nil {
		return nil, err
	}

	var outcomes []*stepOutcome
	var err error
	if len(batch) > 1 {
		outcomes, err = o.runParallel(ctx, batch, workBranch)
	} else {
		outcomes, err = o.runSerial(ctx, batch[0])
	}
	if err != nil {
		return nil, err
	}

	final := make(map[string]plan.StatusUpdate, len(outcomes))
	completed, blocked := 0, 0
	for _, oc := range outcomes {
		u := plan.StatusUpdate{
			Status:  oc.result.Status,
			Agent:   oc.result.Agent,
			Reviews: oc.reviews,
		}
		if oc.result.Status == models.ResultBlocked {
			u.Status = models.StatusBlocked
			u.BlockedReason = oc.result.BlockedReason
			blocked++
			if deps := BlockedDependents(o.Store.Plan(), oc.stepID); len(deps) > 0 {
				o.Log.Warnf("step %s blocked; gating %s", oc.stepID, strings.Join(deps, ", "))
			}
		} else {
			u.Status = models.StatusComplete
			completed++
		}
		final[oc.stepID] = u
		o.Log.StepCompleted(oc.stepID, u.Status, oc.result.Agent, oc.result.Summary)
	}
	if err := o.Store.UpdateStepsStatus(final); err != nil {
		return nil, err
	}
	o.Log.BatchCompleted(completed, blocked)

	return outcomes, nil
}

// runSerial dispatches one step in the repository itself.
func (o *Orchestrator) runSerial(ctx context.Context, step models.Step) ([]*stepOutcome, error) {
	condensed, err := o.writeCondensed([]string{step.ID})
	if err != nil {
		return nil, err
	}
	defer os.Remove(condensed)

	base, err := o.Git.Head(ctx)
	if err != nil {
		return nil, err
	}

	oc, err := o.dispatchStep(ctx, step, condensed, o.Git)
	if err != nil {
		return nil, err
	}
	if o.Config.Review && oc.result.Status == models.ResultComplete {
		if err := o.reviewStep(ctx, step, condensed, o.Git, base, oc); err != nil {
			return nil, err
		}
	}
	return []*stepOutcome{oc}, nil
}

// runParallel gives each step of the batch its own worktree, dispatches them
// concurrently, then reviews sequentially and replays the worktree commits
// onto the work branch one step at a time. Worktrees are always removed,
// even on failure.
func (o *Orchestrator) runParallel(ctx context.Context, batch []models.Step, workBranch string) ([]*stepOutcome, error) {
	type dispatch struct {
		step      models.Step
		wt        *gitops.Worktree
		base      string
		condensed string
	}

	dispatches := make([]*dispatch, 0, len(batch))
	defer func() {
		for _, d := range dispatches {
			if d.condensed != "" {
				os.Remove(d.condensed)
			}
			if err := o.Git.RemoveWorktree(context.Background(), d.wt); err != nil {
				o.Log.Warnf("removing worktree %s: %v", d.wt.Path, err)
			}
		}
	}()

	for _, step := range batch {
		wt, err := o.Git.AddWorktree(ctx, o.Config.TempDir(), step.ID, workBranch)
		if err != nil {
			return nil, err
		}
		d := &dispatch{step: step, wt: wt}
		dispatches = append(dispatches, d)

		base, err := o.Git.At(wt.Path).Head(ctx)
		if err != nil {
			return nil, err
		}
		d.base = base
	}

	type indexed struct {
		i  int
		oc *stepOutcome
	}
	results := make(chan indexed, len(dispatches))
	errs := make(chan error, len(dispatches))
	var wg sync.WaitGroup

	for i, d := range dispatches {
		condensed, err := o.writeCondensed([]string{d.step.ID})
		if err != nil {
			return nil, err
		}
		d.condensed = condensed
		wg.Add(1)
		go func(i int, d *dispatch) {
			defer wg.Done()
			oc, err := o.dispatchStep(ctx, d.step, d.condensed, o.Git.At(d.wt.Path))
			if err != nil {
				errs <- err
				return
			}
			results <- indexed{i: i, oc: oc}
		}(i, d)
	}
	wg.Wait()
	close(results)
	close(errs)

	if err := <-errs; err != nil {
		return nil, err
	}

	outcomes := make([]*stepOutcome, len(dispatches))
	for r := range results {
		outcomes[r.i] = r.oc
	}

	// Reviews happen one step at a time on the coordinator, inside each
	// step's worktree, after every dispatch has finished and before any
	// commit is replayed.
	if o.Config.Review {
		for i, d := range dispatches {
			oc := outcomes[i]
			if oc == nil || oc.result.Status != models.ResultComplete {
				continue
			}
			if err := o.reviewStep(ctx, d.step, d.condensed, o.Git.At(d.wt.Path), d.base, oc); err != nil {
				return nil, err
			}
		}
	}

	// Replay each worktree's commits onto the work branch in batch order.
	for i, d := range dispatches {
		oc := outcomes[i]
		if oc == nil || oc.result.Status != models.ResultComplete {
			continue
		}
		commits, err := o.Git.CommitsAhead(ctx, workBranch, d.wt.Branch)
		if err != nil {
			return nil, err
		}
		for _, commit := range commits {
			if err := o.Git.CherryPick(ctx, commit); err != nil {
				if abortErr := o.Git.AbortCherryPick(ctx); abortErr != nil {
					o.Log.Warnf("aborting cherry-pick: %v", abortErr)
				}
				oc.result.Status = models.ResultBlocked
				oc.result.BlockedReason = fmt.Sprintf("conflict replaying %s onto %s: %v", commit[:min(8, len(commit))], workBranch, err)
				break
			}
		}
	}

	return outcomes, nil
}

// dispatchStep runs one worker invocation in g's directory and commits its
// output. Review happens afterwards on the coordinator, never concurrently
// with other dispatches.
func (o *Orchestrator) dispatchStep(ctx context.Context, step models.Step, condensed string, g *gitops.Git) (*stepOutcome, error) {
	o.Log.StepStarted([]string{step.ID}, step.Parallel)

	req := agent.Request{
		PlanFile:     condensed,
		StepIDs:      []string{step.ID},
		Dir:          g.Dir,
		OnStdoutLine: func(line string) { o.Log.AgentLine(step.ID, line) },
		OnStderrLine: func(line string) { o.Log.AgentLine(step.ID, line) },
	}
	raw, err := o.Agent.Invoke(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("dispatching step %s: %w", step.ID, err)
	}

	result := resultForStep(step.ID, raw)
	oc := &stepOutcome{stepID: step.ID, result: result}
	if result.Status != models.ResultComplete {
		return oc, nil
	}

	message := result.CommitMessage
	if message == "" {
		message = fmt.Sprintf("%s: %s", step.ID, firstNonEmpty(result.Summary, step.Description))
	}
	if _, err := g.Commit(ctx, message); err != nil {
		return nil, fmt.Errorf("committing step %s: %w", step.ID, err)
	}
	oc.message = message

	return oc, nil
}

// reviewStep runs the bounded review/edit loop for one completed step. The
// verdict is recorded as-is; running out of iterations never forges an
// approval.
func (o *Orchestrator) reviewStep(ctx context.Context, step models.Step, condensed string, g *gitops.Git, base string, oc *stepOutcome) error {
	for iteration := 1; iteration <= o.Config.MaxReviewIterations; iteration++ {
		head, err := g.Head(ctx)
		if err != nil {
			return err
		}
		diff, err := g.DiffRange(ctx, base, head)
		if err != nil {
			return err
		}
		changed, err := g.ChangedFiles(ctx, base, head)
		if err != nil {
			return err
		}

		verdict, _, err := o.Agent.Review(ctx, condensed, g.Dir, agent.ReviewContext{
			StepID:       step.ID,
			Description:  step.Description,
			Requirements: step.Requirements,
			Criteria:     step.Criteria,
			ChangedFiles: changed,
			Diff:         diff,
		})
		if err != nil {
			return fmt.Errorf("reviewing step %s: %w", step.ID, err)
		}
		if verdict == nil {
			o.Log.Warnf("step %s: reviewer produced no verdict, skipping review", step.ID)
			return nil
		}

		record := models.ReviewRecord{
			Iteration: iteration,
			Approved:  verdict.Approved(),
			Feedback:  verdict.Comments(),
		}
		oc.reviews = append(oc.reviews, record)

		if verdict.Approved() {
			return nil
		}
		o.Log.Infof("step %s: review iteration %d requested changes", step.ID, iteration)
		if iteration == o.Config.MaxReviewIterations {
			o.Log.Warnf("step %s: review budget exhausted without approval", step.ID)
			return nil
		}

		editResults, _, err := o.Agent.Edit(ctx, condensed, g.Dir, agent.EditContext{
			ReviewContext: agent.ReviewContext{
				StepID:       step.ID,
				Description:  step.Description,
				Requirements: step.Requirements,
				Criteria:     step.Criteria,
				ChangedFiles: changed,
			},
			Iteration: iteration,
			Feedback:  verdict.Comments(),
		})
		if err != nil {
			return fmt.Errorf("editing step %s: %w", step.ID, err)
		}
		for _, r := range editResults {
			if r.StepID == step.ID && r.Status == models.ResultBlocked {
				oc.result.Status = models.ResultBlocked
				oc.result.BlockedReason = r.BlockedReason
				return nil
			}
		}

		// Edit commits keep the step's original message.
		if _, err := g.Commit(ctx, oc.message); err != nil {
			return fmt.Errorf("committing edits for step %s: %w", step.ID, err)
		}
	}
	return nil
}

// finish prepares the pull request, archives the plan, and returns to the
// source branch on success. A blocked outcome stays on the work branch and
// leaves the plan in the plans dir so it can be resumed.
func (o *Orchestrator) finish(ctx context.Context, rep *report.RunReport, sourceBranch, workBranch string) (*report.RunReport, error) {
	p := o.Store.Plan()

	outcome := models.OutcomeSuccess
	if !p.IsSuccessful() {
		outcome = models.OutcomeBlocked
	}
	rep.Outcome = outcome

	if outcome != models.OutcomeSuccess {
		o.Log.Warnf("plan %s finished blocked; staying on %s", p.ID(), workBranch)
		return rep, nil
	}

	pr, err := o.Git.PreparePR(ctx,
		fmt.Sprintf("%s (foreman run)", p.ID()),
		rep.Markdown(),
		sourceBranch, workBranch)
	if err != nil {
		o.Log.Warnf("preparing pull request: %v", err)
	} else {
		rep.PR = pr
	}
	if err := o.Git.SwitchBranch(ctx, sourceBranch); err != nil {
		return rep, err
	}

	if _, err := plan.Archive(o.Store, o.Config.CompletedDir(), outcome); err != nil {
		return rep, err
	}
	return rep, nil
}

func (o *Orchestrator) writeCondensed(stepIDs []string) (string, error) {
	return plan.WriteCondensed(o.Config.TempDir(), o.Store.Plan(), stepIDs)
}

func (o *Orchestrator) buildReport(startedAt time.Time, sourceBranch, workBranch string, outcomes map[string]*stepOutcome) *report.RunReport {
	p := o.Store.Plan()
	rep := &report.RunReport{
		PlanID:       p.ID(),
		SourceBranch: sourceBranch,
		WorkBranch:   workBranch,
		StartedAt:    startedAt,
		FinishedAt:   o.now(),
	}

	for _, step := range p.Steps {
		sr := report.StepReport{ID: step.ID, Status: step.Status, Agent: step.Agent, BlockedReason: step.BlockedReason}
		if sr.Status == "" {
			sr.Status = models.StatusPending
		}
		if oc, ok := outcomes[step.ID]; ok {
			sr.Summary = oc.result.Summary
			sr.ReviewRounds = len(oc.reviews)
		}
		rep.Steps = append(rep.Steps, sr)
	}
	return rep
}

// resultForStep picks the worker's reported result for the step, falling
// back to a synthesized one when the worker reported nothing usable.
func resultForStep(stepID string, raw *agent.Result) models.StepResult {
	for _, r := range agent.ExtractResults(raw.Stdout) {
		if r.StepID == stepID {
			r.Agent = raw.AgentName
			return r
		}
	}
	return agent.DefaultResult(stepID, raw)
}

func sortedIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
