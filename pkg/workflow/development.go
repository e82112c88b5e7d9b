package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/bus"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/retry"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
	"github.com/kawanishi0117/agent-company-sub006/pkg/tickets"
)

// engineMailbox is the per-workflow reply address for dispatched work,
// scoped so concurrent workflows cannot consume each other's replies.
func engineMailbox(workflowID string) string {
	return "engine-" + workflowID
}

// runDevelopment executes the proposal's task breakdown: ticket tree,
// dispatch over the bus, reviews, retries, and the escalation gate for
// terminal failures. It advances to quality_assurance once every task
// is completed or waived.
func (e *Engine) runDevelopment(ctx context.Context, wf *models.Workflow) error {
	proposal, err := e.loadProposal(wf.WorkflowID)
	if err != nil {
		return err
	}
	if wf.ParentTicketID == "" {
		if err := e.createTicketTree(wf, proposal); err != nil {
			return err
		}
	}
	progress, err := e.loadOrRebuildProgress(wf)
	if err != nil {
		return err
	}

	run, err := e.newDevRun(wf, proposal, progress)
	if err != nil {
		return err
	}
	if err := run.execute(ctx); err != nil {
		return err
	}

	advanceReason := ""
	if failed := run.tracker.failedItems(); len(failed) > 0 {
		proceed, reason, err := e.resolveDevelopmentFailures(ctx, wf, run.tracker, failed)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
		advanceReason = reason
	}

	if err := e.closeTicketTree(wf); err != nil {
		return err
	}
	return e.transitionPhase(wf, models.PhaseQualityAssurance, advanceReason)
}

// createTicketTree decomposes the proposal into the parent/child/
// grandchild tree and seeds the progress record, then binds the parent
// to the workflow.
func (e *Engine) createTicketTree(wf *models.Workflow, proposal *models.Proposal) error {
	var meta *models.TicketMetadata
	if wf.Metadata != nil {
		meta = &models.TicketMetadata{
			Priority: wf.Metadata.Priority,
			Tags:     wf.Metadata.Tags,
			Deadline: wf.Metadata.Deadline,
		}
	}

	parent, err := e.tickets.CreateParent(wf.ProjectID, wf.Instruction, meta)
	if err != nil {
		return err
	}
	if _, err := e.tickets.UpdateStatus(parent.TicketID, models.TicketStatusDecomposing); err != nil {
		return err
	}

	childFor := make(map[models.WorkerType]string)
	var childOrder []string
	for _, item := range proposal.TaskBreakdown {
		if _, ok := childFor[item.WorkerType]; ok {
			continue
		}
		child, err := e.tickets.AddChild(parent.TicketID, item.WorkerType,
			fmt.Sprintf("%s tasks for the instruction", item.WorkerType))
		if err != nil {
			return err
		}
		childFor[item.WorkerType] = child.TicketID
		childOrder = append(childOrder, child.TicketID)
	}

	assigneeFor := make(map[int]string, len(proposal.WorkerAssignments))
	for _, a := range proposal.WorkerAssignments {
		assigneeFor[a.TaskNumber] = a.AgentID
	}

	now := e.now().UTC()
	items := make([]models.SubtaskProgressItem, 0, len(proposal.TaskBreakdown))
	for _, item := range proposal.TaskBreakdown {
		assignee := assigneeFor[item.TaskNumber]
		if assignee == "" {
			assignee = agent.WorkerID(item.WorkerType)
		}
		leaf, err := e.tickets.AddGrandchild(childFor[item.WorkerType], models.GrandchildPayload{
			Description:        item.Title,
			AcceptanceCriteria: []string{fmt.Sprintf("Covers proposal task %d: %s", item.TaskNumber, item.Title)},
			GitBranch:          taskBranch(wf.WorkflowID, item.TaskNumber),
			Assignee:           assignee,
		})
		if err != nil {
			return err
		}
		items = append(items, models.SubtaskProgressItem{
			TaskID:     leaf.TicketID,
			TaskNumber: item.TaskNumber,
			Title:      item.Title,
			Status:     models.SubtaskStatusPending,
			WorkerType: item.WorkerType,
			Assignee:   assignee,
			UpdatedAt:  now,
		})
	}

	for _, childID := range childOrder {
		if _, err := e.tickets.UpdateStatus(childID, models.TicketStatusInProgress); err != nil {
			return err
		}
	}
	if _, err := e.tickets.UpdateStatus(parent.TicketID, models.TicketStatusInProgress); err != nil {
		return err
	}

	progress := &models.SubtaskProgress{
		WorkflowID: wf.WorkflowID,
		Items:      items,
		Total:      len(items),
		UpdatedAt:  now,
	}
	if err := e.store.Save(runsKind, wf.WorkflowID+"/progress", progress); err != nil {
		return err
	}

	wf.ParentTicketID = parent.TicketID
	e.logger.Info("ticket tree created",
		"workflow_id", wf.WorkflowID,
		"parent_ticket_id", parent.TicketID,
		"children", len(childOrder),
		"tasks", len(items))
	return e.saveWorkflow(wf)
}

func taskBranch(workflowID string, taskNumber int) string {
	return fmt.Sprintf("agentco/%s/task-%d", workflowID, taskNumber)
}

// taskNumberFromBranch recovers the ordinal encoded in the task branch
// name; zero when the branch does not carry one.
func taskNumberFromBranch(branch string) int {
	idx := strings.LastIndex(branch, "task-")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(branch[idx+len("task-"):])
	if err != nil {
		return 0
	}
	return n
}

// loadOrRebuildProgress returns the persisted progress record,
// reconstructing it from the ticket tree when a crash lost it.
func (e *Engine) loadOrRebuildProgress(wf *models.Workflow) (*models.SubtaskProgress, error) {
	var doc models.SubtaskProgress
	err := e.store.Load(runsKind, wf.WorkflowID+"/progress", &doc)
	if err == nil {
		return &doc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	leaves, err := e.leafTickets(wf.ParentTicketID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	items := make([]models.SubtaskProgressItem, 0, len(leaves))
	for _, leaf := range leaves {
		status := models.SubtaskStatusPending
		switch {
		case leaf.Status.IsDone():
			status = models.SubtaskStatusCompleted
		case leaf.Status == models.TicketStatusFailed:
			status = models.SubtaskStatusFailed
		}
		items = append(items, models.SubtaskProgressItem{
			TaskID:     leaf.TicketID,
			TaskNumber: taskNumberFromBranch(leaf.GitBranch),
			Title:      leaf.Description,
			Status:     status,
			WorkerType: leaf.WorkerType,
			Assignee:   leaf.Assignee,
			UpdatedAt:  now,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TaskNumber < items[j].TaskNumber })

	rebuilt := &models.SubtaskProgress{WorkflowID: wf.WorkflowID, Items: items, UpdatedAt: now}
	recount(rebuilt)
	if err := e.store.Save(runsKind, wf.WorkflowID+"/progress", rebuilt); err != nil {
		return nil, err
	}
	e.logger.Warn("progress record rebuilt from ticket tree",
		"workflow_id", wf.WorkflowID, "tasks", len(items))
	return rebuilt, nil
}

// leafTickets returns every grandchild under the parent, children in
// creation order and leaves in creation order within each child.
func (e *Engine) leafTickets(parentTicketID string) ([]*models.Ticket, error) {
	if parentTicketID == "" {
		return nil, nil
	}
	children, err := e.tickets.Children(parentTicketID)
	if err != nil {
		return nil, err
	}
	var out []*models.Ticket
	for _, child := range children {
		leaves, err := e.tickets.Children(child.TicketID)
		if err != nil {
			return nil, err
		}
		out = append(out, leaves...)
	}
	return out, nil
}

// reopenNode returns one ticket to in_progress so it can run again.
// failed and review_requested have no lifecycle path back, so those go
// through the administrative rollback.
func (e *Engine) reopenNode(t *models.Ticket) error {
	if t.Status == models.TicketStatusInProgress {
		return nil
	}
	var err error
	if tickets.TransitionAllowed(t.Status, models.TicketStatusInProgress) {
		_, err = e.tickets.UpdateStatus(t.TicketID, models.TicketStatusInProgress)
	} else {
		_, err = e.tickets.RollbackStatus(t.TicketID, models.TicketStatusInProgress)
	}
	return err
}

func (e *Engine) reopenLeaf(ticketID string) error {
	t, err := e.tickets.Get(ticketID)
	if err != nil {
		return err
	}
	return e.reopenNode(t)
}

// reopenTree returns the whole ticket tree to in_progress ahead of a
// redo. Missing tickets are skipped: retention may have pruned them.
func (e *Engine) reopenTree(parentTicketID string) error {
	parent, err := e.tickets.Get(parentTicketID)
	if errors.Is(err, tickets.ErrTicketNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.reopenNode(parent); err != nil {
		return err
	}
	children, err := e.tickets.Children(parentTicketID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := e.reopenNode(child); err != nil {
			return err
		}
		leaves, err := e.tickets.Children(child.TicketID)
		if err != nil {
			return err
		}
		for _, leaf := range leaves {
			if err := e.reopenNode(leaf); err != nil {
				return err
			}
		}
	}
	return nil
}

// resetProgress returns every progress item to pending.
func (e *Engine) resetProgress(workflowID string) error {
	var doc models.SubtaskProgress
	err := e.store.Load(runsKind, workflowID+"/progress", &doc)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := e.now().UTC()
	for i := range doc.Items {
		doc.Items[i].Status = models.SubtaskStatusPending
		doc.Items[i].Error = ""
		doc.Items[i].UpdatedAt = now
	}
	recount(&doc)
	return e.store.Save(runsKind, workflowID+"/progress", &doc)
}

// prepareRedo returns the ticket tree and the progress record to a
// runnable state ahead of re-entering development.
func (e *Engine) prepareRedo(wf *models.Workflow) error {
	if wf.ParentTicketID == "" {
		return nil
	}
	if err := e.reopenTree(wf.ParentTicketID); err != nil {
		return err
	}
	return e.resetProgress(wf.WorkflowID)
}

// closeTicketTree completes the children and the parent once every
// task is settled.
func (e *Engine) closeTicketTree(wf *models.Workflow) error {
	children, err := e.tickets.Children(wf.ParentTicketID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status.IsDone() {
			continue
		}
		if _, err := e.tickets.UpdateStatus(child.TicketID, models.TicketStatusCompleted); err != nil {
			return err
		}
	}
	parent, err := e.tickets.Get(wf.ParentTicketID)
	if err != nil {
		return err
	}
	if parent.Status.IsDone() {
		return nil
	}
	_, err = e.tickets.UpdateStatus(wf.ParentTicketID, models.TicketStatusCompleted)
	return err
}

// resolveDevelopmentFailures raises one escalation rendezvous covering
// every terminally failed task and applies the human decision. It
// returns whether the phase may advance and the transition reason to
// record when it does.
func (e *Engine) resolveDevelopmentFailures(ctx context.Context, wf *models.Workflow, tracker *progressTracker, failed []models.SubtaskProgressItem) (bool, string, error) {
	lines := make([]string, 0, len(failed))
	for _, item := range failed {
		lines = append(lines, fmt.Sprintf("task %d (%s): %s", item.TaskNumber, item.Title, item.Error))
	}
	category := retry.Classify(errors.New(failed[0].Error))

	// A dead AI connection pauses the whole run: snapshot how far it
	// got before suspending on the escalation decision.
	if category == retry.CategoryAIConnection {
		if _, err := e.retry.HandleAIUnavailable(wf.WorkflowID, tracker.snapshot()); err != nil {
			e.logger.Warn("failed to write paused state",
				"workflow_id", wf.WorkflowID, "error", err)
		}
	}

	decision, err := e.approvals.RequestEscalation(ctx, wf.WorkflowID, models.EscalationPayload{
		RunID:     wf.WorkflowID,
		AgentID:   agent.ManagerID,
		Category:  string(category),
		Error:     strings.Join(lines, "; "),
		Attempts:  len(failed),
		Reason:    fmt.Sprintf("%d development tasks failed terminally", len(failed)),
		Timestamp: e.now().UTC(),
	})
	if err != nil {
		return false, "", err
	}

	switch decision.Action {
	case models.EscalationActionRetry:
		for _, item := range failed {
			if err := e.reopenLeaf(item.TaskID); err != nil {
				return false, "", err
			}
			tracker.set(item.TaskID, models.SubtaskStatusPending, "")
		}
		// The operator declared the AI side healthy again; the pause
		// snapshot no longer describes the run.
		if e.store.Exists(runsKind, wf.WorkflowID+"/paused-state") {
			if err := e.store.Remove(runsKind, wf.WorkflowID+"/paused-state"); err != nil {
				e.logger.Warn("failed to clear paused state",
					"workflow_id", wf.WorkflowID, "error", err)
			}
		}
		e.logger.Info("failed tasks reopened for retry",
			"workflow_id", wf.WorkflowID, "tasks", len(failed))
		return false, "", nil
	case models.EscalationActionSkip:
		for _, item := range failed {
			tracker.set(item.TaskID, models.SubtaskStatusSkipped, "")
		}
		e.logger.Info("failed tasks waived",
			"workflow_id", wf.WorkflowID, "tasks", len(failed), "reason", decision.Reason)
		return true, "waiver: " + decision.Reason, nil
	case models.EscalationActionAbort:
		return false, "", e.transitionTerminal(wf, models.StatusTerminated, "aborted: "+decision.Reason)
	default:
		return false, "", fmt.Errorf("workflow %s: unknown escalation action %q", wf.WorkflowID, decision.Action)
	}
}

// devTask is one dispatchable unit: the proposal breakdown item joined
// with its grandchild ticket.
type devTask struct {
	number int
	title  string
	deps   []int
	leaf   *models.Ticket
}

// devRun is the in-memory state of one development pass: reply routing,
// the progress tracker, and the external-change monitor.
type devRun struct {
	engine  *Engine
	wf      *models.Workflow
	epoch   int
	mailbox string
	logger  *slog.Logger
	tracker *progressTracker
	tasks   []*devTask

	mu     sync.Mutex
	routes map[string]chan *models.AgentMessage

	stateChanged atomic.Bool
}

func (e *Engine) newDevRun(wf *models.Workflow, proposal *models.Proposal, progress *models.SubtaskProgress) (*devRun, error) {
	leaves, err := e.leafTickets(wf.ParentTicketID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Ticket, len(leaves))
	for _, leaf := range leaves {
		byID[leaf.TicketID] = leaf
	}
	depsFor := make(map[int][]int, len(proposal.TaskBreakdown))
	for _, item := range proposal.TaskBreakdown {
		depsFor[item.TaskNumber] = item.Dependencies
	}

	var tasks []*devTask
	for _, item := range progress.Items {
		leaf := byID[item.TaskID]
		if leaf == nil {
			continue
		}
		tasks = append(tasks, &devTask{
			number: item.TaskNumber,
			title:  item.Title,
			deps:   depsFor[item.TaskNumber],
			leaf:   leaf,
		})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].number < tasks[j].number })

	return &devRun{
		engine:  e,
		wf:      wf,
		epoch:   wf.DispatchEpoch,
		mailbox: engineMailbox(wf.WorkflowID),
		logger:  e.logger.With("workflow_id", wf.WorkflowID, "dispatch_epoch", wf.DispatchEpoch),
		tracker: newProgressTracker(e, progress),
		tasks:   tasks,
		routes:  make(map[string]chan *models.AgentMessage),
	}, nil
}

// execute runs the dependency waves under a context the state monitor
// cancels when state.json changes underneath the run.
func (r *devRun) execute(ctx context.Context) error {
	if err := r.engine.bus.Register(r.mailbox); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var aux sync.WaitGroup
	aux.Add(2)
	go func() {
		defer aux.Done()
		r.watchState(runCtx, cancel)
	}()
	go func() {
		defer aux.Done()
		r.route(runCtx)
	}()

	err := r.runWaves(runCtx)

	cancel()
	aux.Wait()

	if r.stateChanged.Load() {
		return errStateChanged
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// watchState cancels the run when the epoch, status, or phase on disk
// no longer matches what this run was dispatched for.
func (r *devRun) watchState(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(r.engine.watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := r.engine.loadWorkflow(r.wf.WorkflowID)
			if err != nil {
				continue
			}
			if current.DispatchEpoch != r.epoch || current.Status.IsTerminal() ||
				current.Phase != models.PhaseDevelopment {
				r.logger.Info("workflow changed during development, stopping dispatch",
					"epoch", current.DispatchEpoch,
					"status", current.Status,
					"phase", current.Phase)
				r.stateChanged.Store(true)
				cancel()
				return
			}
		}
	}
}

// route drains the engine mailbox and fans replies out to per-task
// channels. Replies from an older dispatch epoch are dropped.
func (r *devRun) route(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := r.engine.bus.Poll(ctx, r.mailbox, r.engine.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("engine mailbox poll failed", "error", err)
			continue
		}
		for _, msg := range msgs {
			r.deliver(msg)
		}
	}
}

func (r *devRun) deliver(msg *models.AgentMessage) {
	taskID, epoch, ok := replyKey(msg)
	if !ok {
		r.logger.Debug("ignoring message", "type", msg.Type, "from", msg.From)
		return
	}
	if epoch != r.epoch {
		r.logger.Debug("dropping stale reply",
			"type", msg.Type, "task_id", taskID, "reply_epoch", epoch)
		return
	}
	select {
	case r.channelFor(taskID) <- msg:
	default:
		r.logger.Warn("reply channel full, dropping message", "task_id", taskID, "type", msg.Type)
	}
}

// replyKey extracts the routing task id and epoch from a reply payload.
func replyKey(msg *models.AgentMessage) (string, int, bool) {
	switch msg.Type {
	case models.MessageTypeTaskComplete, models.MessageTypeTaskFailed:
		var p models.TaskResultPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return "", 0, false
		}
		return p.TaskID, p.Epoch, true
	case models.MessageTypeReviewResponse:
		var p models.ReviewPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return "", 0, false
		}
		return p.TaskID, p.Epoch, true
	default:
		return "", 0, false
	}
}

func (r *devRun) channelFor(taskID string) chan *models.AgentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.routes[taskID]
	if !ok {
		ch = make(chan *models.AgentMessage, 4)
		r.routes[taskID] = ch
	}
	return ch
}

// runWaves executes tasks in dependency order: every task whose
// dependencies are satisfied runs concurrently in one wave, waves
// repeat until nothing is pending. Tasks left blocked by failed
// dependencies are marked failed.
func (r *devRun) runWaves(ctx context.Context) error {
	satisfied := make(map[int]bool)
	var pending []*devTask
	for _, t := range r.tasks {
		switch r.tracker.status(t.leaf.TicketID) {
		case models.SubtaskStatusCompleted, models.SubtaskStatusSkipped:
			satisfied[t.number] = true
		default:
			pending = append(pending, t)
		}
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		var wave, blocked []*devTask
		for _, t := range pending {
			if depsSatisfied(t, satisfied) {
				wave = append(wave, t)
			} else {
				blocked = append(blocked, t)
			}
		}
		if len(wave) == 0 {
			for _, t := range blocked {
				r.failTask(t, errors.New("dependency not satisfied"))
			}
			return nil
		}

		var wg sync.WaitGroup
		for _, t := range wave {
			wg.Add(1)
			go func(t *devTask) {
				defer wg.Done()
				r.runTask(ctx, t)
			}(t)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		for _, t := range wave {
			if r.tracker.status(t.leaf.TicketID) == models.SubtaskStatusCompleted {
				satisfied[t.number] = true
			}
		}
		pending = blocked
	}
	return nil
}

func depsSatisfied(t *devTask, satisfied map[int]bool) bool {
	for _, dep := range t.deps {
		if !satisfied[dep] {
			return false
		}
	}
	return true
}

// runTask drives one task to a settled progress status: dispatch under
// the retry budget, then the review loop. Cancellation leaves the task
// unsettled for the next pass.
func (r *devRun) runTask(ctx context.Context, t *devTask) {
	taskID := t.leaf.TicketID
	logger := r.logger.With("task_id", taskID, "task_number", t.number)

	res, hErr := r.engine.retry.HandleWorkerFailure(ctx, retry.WorkerFailure{
		WorkflowID: r.wf.WorkflowID,
		TicketID:   taskID,
		AgentID:    r.assignee(t),
		TaskID:     taskID,
		OpName:     fmt.Sprintf("task %d (%s)", t.number, t.title),
		Operation: func(ctx context.Context) (any, error) {
			return r.dispatchAndAwait(ctx, t)
		},
	})
	if hErr != nil {
		logger.Warn("failure handling incomplete", "error", hErr)
	}
	r.engine.recordRetryMetrics(res)
	if !res.Success {
		if ctx.Err() != nil {
			return
		}
		// The retry engine already marked the ticket and notified the
		// manager; record the terminal state for the phase.
		r.tracker.set(taskID, models.SubtaskStatusFailed, res.Err.Error())
		logger.Info("task failed terminally", "attempts", res.Attempts)
		return
	}

	result, ok := res.Value.(*models.TaskResultPayload)
	if !ok {
		r.failTask(t, fmt.Errorf("unexpected result type %T", res.Value))
		return
	}
	r.review(ctx, t, result)
}

// dispatchAndAwait reopens the ticket, sends the assignment, and waits
// for the worker's result.
func (r *devRun) dispatchAndAwait(ctx context.Context, t *devTask) (*models.TaskResultPayload, error) {
	if err := r.engine.reopenLeaf(t.leaf.TicketID); err != nil {
		return nil, err
	}
	r.tracker.set(t.leaf.TicketID, models.SubtaskStatusWorking, "")

	payload := models.TaskAssignPayload{
		TaskID:       t.leaf.TicketID,
		TaskNumber:   t.number,
		Title:        t.title,
		Description:  t.leaf.Description,
		WorkerType:   string(t.leaf.WorkerType),
		GitBranch:    t.leaf.GitBranch,
		Epoch:        r.epoch,
		Dependencies: t.deps,
		Acceptance:   t.leaf.AcceptanceCriteria,
	}
	msg, err := bus.NewMessage(models.MessageTypeTaskAssign, r.mailbox, r.assignee(t), payload)
	if err != nil {
		return nil, err
	}
	msg.WorkflowID = r.wf.WorkflowID
	if err := r.engine.bus.Send(ctx, msg); err != nil {
		return nil, err
	}

	reply, err := r.await(ctx, t.leaf.TicketID,
		models.MessageTypeTaskComplete, models.MessageTypeTaskFailed)
	if err != nil {
		return nil, err
	}
	var result models.TaskResultPayload
	if err := json.Unmarshal(reply.Payload, &result); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", reply.Type, err)
	}
	if reply.Type == models.MessageTypeTaskFailed {
		return nil, errors.New(result.Error)
	}
	return &result, nil
}

// await blocks until a reply of one of the wanted types arrives for
// the task. Replies of other types are dropped: at-least-once delivery
// can replay an earlier reply into a later round.
func (r *devRun) await(ctx context.Context, taskID string, want ...models.MessageType) (*models.AgentMessage, error) {
	ch := r.channelFor(taskID)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-ch:
			for _, w := range want {
				if msg.Type == w {
					return msg, nil
				}
			}
			r.logger.Debug("dropping out-of-round reply", "task_id", taskID, "type", msg.Type)
		}
	}
}

// review runs the review loop for a finished task: request, and on
// rejection re-dispatch, up to maxReviewRounds rounds.
func (r *devRun) review(ctx context.Context, t *devTask, result *models.TaskResultPayload) {
	taskID := t.leaf.TicketID
	logger := r.logger.With("task_id", taskID, "task_number", t.number)
	reviewerID := agent.WorkerID(models.WorkerTypeReviewer)

	for round := 1; ; round++ {
		if _, err := r.engine.tickets.UpdateStatus(taskID, models.TicketStatusReviewRequested); err != nil {
			r.failTask(t, err)
			return
		}
		r.tracker.set(taskID, models.SubtaskStatusReview, "")

		msg, err := bus.NewMessage(models.MessageTypeReviewRequest, r.mailbox, reviewerID, models.ReviewPayload{
			TaskID:   taskID,
			TicketID: taskID,
			Epoch:    r.epoch,
		})
		if err != nil {
			r.failTask(t, err)
			return
		}
		msg.WorkflowID = r.wf.WorkflowID
		if err := r.engine.bus.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.failTask(t, err)
			return
		}

		reply, err := r.await(ctx, taskID, models.MessageTypeReviewResponse)
		if err != nil {
			return
		}
		var review models.ReviewPayload
		if err := json.Unmarshal(reply.Payload, &review); err != nil {
			r.failTask(t, fmt.Errorf("malformed review_response payload: %w", err))
			return
		}

		if review.Approved {
			if _, err := r.engine.tickets.UpdateStatus(taskID, models.TicketStatusCompleted); err != nil {
				r.failTask(t, err)
				return
			}
			if _, err := r.engine.tickets.AppendArtifacts(taskID, result.Artifacts); err != nil {
				logger.Warn("failed to record artifacts", "error", err)
			}
			r.tracker.set(taskID, models.SubtaskStatusCompleted, "")
			logger.Info("task completed", "review_rounds", round)
			return
		}

		logger.Info("review requested revision", "round", round, "feedback", review.Feedback)
		if round >= r.engine.maxReviewRounds {
			r.failTask(t, fmt.Errorf("review rejected after %d rounds: %s", round, review.Feedback))
			return
		}
		if _, err := r.engine.tickets.UpdateStatus(taskID, models.TicketStatusRevisionRequired); err != nil {
			r.failTask(t, err)
			return
		}

		res, hErr := r.engine.retry.HandleWorkerFailure(ctx, retry.WorkerFailure{
			WorkflowID: r.wf.WorkflowID,
			TicketID:   taskID,
			AgentID:    r.assignee(t),
			TaskID:     taskID,
			OpName:     fmt.Sprintf("task %d revision %d", t.number, round),
			Operation: func(ctx context.Context) (any, error) {
				return r.dispatchAndAwait(ctx, t)
			},
		})
		if hErr != nil {
			logger.Warn("failure handling incomplete", "error", hErr)
		}
		r.engine.recordRetryMetrics(res)
		if !res.Success {
			if ctx.Err() != nil {
				return
			}
			r.tracker.set(taskID, models.SubtaskStatusFailed, res.Err.Error())
			return
		}
		if next, ok := res.Value.(*models.TaskResultPayload); ok {
			result = next
		}
	}
}

// failTask settles a task as failed on both the ticket and the tracker.
func (r *devRun) failTask(t *devTask, cause error) {
	taskID := t.leaf.TicketID
	current, err := r.engine.tickets.Get(taskID)
	if err == nil && current.Status != models.TicketStatusFailed {
		if _, err := r.engine.tickets.UpdateStatus(taskID, models.TicketStatusFailed); err != nil {
			r.logger.Warn("failed to mark ticket failed", "task_id", taskID, "error", err)
		}
	}
	r.tracker.set(taskID, models.SubtaskStatusFailed, cause.Error())
}

func (r *devRun) assignee(t *devTask) string {
	if t.leaf.Assignee != "" {
		return t.leaf.Assignee
	}
	return agent.WorkerID(t.leaf.WorkerType)
}

// progressTracker serializes updates to the persisted progress record.
type progressTracker struct {
	engine *Engine

	mu  sync.Mutex
	doc *models.SubtaskProgress
}

func newProgressTracker(e *Engine, doc *models.SubtaskProgress) *progressTracker {
	return &progressTracker{engine: e, doc: doc}
}

// set updates one item and persists the recomputed record. Persistence
// is best effort: the tracker is a projection of the ticket tree, and
// a failed save must not fail the task that produced it.
func (p *progressTracker) set(taskID string, status models.SubtaskStatus, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.doc.Items {
		if p.doc.Items[i].TaskID != taskID {
			continue
		}
		p.doc.Items[i].Status = status
		p.doc.Items[i].Error = errMsg
		p.doc.Items[i].UpdatedAt = p.engine.now().UTC()
		break
	}
	recount(p.doc)
	if err := p.engine.store.Save(runsKind, p.doc.WorkflowID+"/progress", p.doc); err != nil {
		p.engine.logger.Warn("failed to persist progress",
			"workflow_id", p.doc.WorkflowID, "error", err)
	}
}

func (p *progressTracker) status(taskID string) models.SubtaskStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.doc.Items {
		if p.doc.Items[i].TaskID == taskID {
			return p.doc.Items[i].Status
		}
	}
	return ""
}

// snapshot projects the tracker into the paused-state progress shape.
func (p *progressTracker) snapshot() models.PausedProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	progress := models.PausedProgress{TotalSubTasks: len(p.doc.Items)}
	for _, item := range p.doc.Items {
		if item.Status == models.SubtaskStatusCompleted {
			progress.CompletedSubTasks++
			progress.LastProcessedSubTaskID = item.TaskID
		}
	}
	return progress
}

func (p *progressTracker) failedItems() []models.SubtaskProgressItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.SubtaskProgressItem
	for _, item := range p.doc.Items {
		if item.Status == models.SubtaskStatusFailed {
			out = append(out, item)
		}
	}
	return out
}

// recount recomputes the aggregate counters. Waived tasks count toward
// the completion rate but not the completed counter.
func recount(doc *models.SubtaskProgress) {
	var completed, failed, skipped int
	for _, item := range doc.Items {
		switch item.Status {
		case models.SubtaskStatusCompleted:
			completed++
		case models.SubtaskStatusFailed:
			failed++
		case models.SubtaskStatusSkipped:
			skipped++
		}
	}
	doc.Total = len(doc.Items)
	doc.Completed = completed
	doc.Failed = failed
	if doc.Total > 0 {
		doc.CompletionRate = float64(completed+skipped) / float64(doc.Total)
	} else {
		doc.CompletionRate = 0
	}
	doc.UpdatedAt = time.Now().UTC()
}
