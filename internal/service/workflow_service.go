package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/metrics"
	"github.com/pesio-ai/be-approval-workflows/internal/notify"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/subject"
	"github.com/pesio-ai/be-approval-workflows/internal/tracing"
)

// Notifier accepts notification batches for asynchronous delivery.
type Notifier interface {
	Enqueue(b notify.Batch) bool
}

// StartInput enrolls a subject in its tenant's workflow for an action.
type StartInput struct {
	TenantID    string
	ActionID    string
	SubjectKind string
	SubjectID   string
	CreatedBy   string
}

// WorkflowService is the task orchestrator: it authorizes approvers, applies
// task transitions atomically per subject and fans out notifications once
// the transition has committed.
type WorkflowService struct {
	tasks    repository.TaskStore
	steps    repository.StepStore
	catalog  repository.CatalogStore
	audit    repository.AuditStore
	identity IdentityProvider
	authz    *Authorizer
	subjects *subject.Registry
	notifier Notifier
	metrics  *metrics.Metrics
	log      *logger.Logger
	tracer   trace.Tracer
}

// NewWorkflowService creates a new WorkflowService. m may be nil.
func NewWorkflowService(
	tasks repository.TaskStore,
	steps repository.StepStore,
	catalog repository.CatalogStore,
	audit repository.AuditStore,
	identity IdentityProvider,
	subjects *subject.Registry,
	notifier Notifier,
	m *metrics.Metrics,
	log *logger.Logger,
) *WorkflowService {
	return &WorkflowService{
		tasks:    tasks,
		steps:    steps,
		catalog:  catalog,
		audit:    audit,
		identity: identity,
		authz:    NewAuthorizer(identity),
		subjects: subjects,
		notifier: notifier,
		metrics:  m,
		log:      log,
		tracer:   tracing.Tracer(),
	}
}

// transition is what one committed transition changed.
type transition struct {
	run        repository.WorkflowRun
	resolved   repository.ApprovalTask
	activated  *repository.ApprovalTask
	terminated []repository.ApprovalTask
	finished   bool
}

// ── Workflow start ────────────────────────────────────────────────────────────

// StartWorkflow creates one task per step of (tenant, action) for the
// subject, the lowest level pending and the rest not_started. Without any
// step the workflow resolves immediately as approved.
func (s *WorkflowService) StartWorkflow(ctx context.Context, in StartInput) (*repository.WorkflowRun, []*repository.ApprovalTask, error) {
	ctx, span := s.tracer.Start(ctx, "WorkflowService.StartWorkflow", trace.WithAttributes(
		attribute.String("subject.kind", in.SubjectKind),
		attribute.String("subject.id", in.SubjectID),
	))
	defer span.End()

	switch {
	case in.TenantID == "":
		return nil, nil, errors.InvalidInput("tenant_id", "tenant is required")
	case in.ActionID == "":
		return nil, nil, errors.InvalidInput("action_id", "action is required")
	case in.SubjectKind == "":
		return nil, nil, errors.InvalidInput("subject_kind", "subject kind is required")
	case in.SubjectID == "":
		return nil, nil, errors.InvalidInput("subject_id", "subject id is required")
	}
	finisher, err := s.subjects.Resolve(in.SubjectKind)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.catalog.GetAction(ctx, in.ActionID); err != nil {
		if isNotFound(err) {
			return nil, nil, errors.InvalidInput("action_id", "unknown action: "+in.ActionID)
		}
		return nil, nil, err
	}
	steps, err := s.steps.List(ctx, in.TenantID, in.ActionID)
	if err != nil {
		return nil, nil, err
	}

	ref := repository.SubjectRef{Kind: in.SubjectKind, ID: in.SubjectID}
	run := &repository.WorkflowRun{
		ID:       uuid.NewString(),
		TenantID: in.TenantID,
		ActionID: in.ActionID,
		Subject:  ref,
		Status:   repository.RunInProgress,
	}
	if in.CreatedBy != "" {
		createdBy := in.CreatedBy
		run.CreatedBy = &createdBy
	}

	tasks := make([]*repository.ApprovalTask, 0, len(steps))
	for i, st := range steps {
		status := repository.TaskNotStarted
		if i == 0 {
			status = repository.TaskPending
		}
		tasks = append(tasks, &repository.ApprovalTask{
			ID:       uuid.NewString(),
			StepID:   st.ID,
			StepName: st.Name,
			Level:    st.Level,
			TenantID: st.TenantID,
			ActionID: st.ActionID,
			Subject:  ref,
			Status:   status,
		})
	}

	if err := s.tasks.StartRun(ctx, run, tasks); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	if s.metrics != nil {
		s.metrics.WorkflowsStarted.WithLabelValues(ref.Kind).Inc()
	}

	s.log.Info().
		Str("subject_kind", ref.Kind).
		Str("subject_id", ref.ID).
		Str("run_id", run.ID).
		Int("tasks", len(tasks)).
		Msg("Approval workflow started")

	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		TenantID:    run.TenantID,
		Subject:     ref,
		Action:      repository.AuditStarted,
		PerformedBy: run.CreatedBy,
		Metadata:    map[string]interface{}{"tasks": len(tasks), "action_id": run.ActionID},
	})

	if len(tasks) == 0 {
		if err := s.finishEmpty(ctx, ref, finisher); err != nil {
			return nil, nil, err
		}
		run, err = s.tasks.GetRun(ctx, ref)
		if err != nil {
			return nil, nil, err
		}
		return run, tasks, nil
	}

	batch := notify.Batch{Key: ref.String()}
	batch.Add(s.assignedMessages(ctx, steps[0], tasks[0]))
	s.enqueue(ctx, run.TenantID, batch)
	return run, tasks, nil
}

// finishEmpty resolves a workflow that has no steps.
func (s *WorkflowService) finishEmpty(ctx context.Context, ref repository.SubjectRef, finisher subject.Finisher) error {
	var finished bool
	var tenantID string
	err := s.tasks.Transition(ctx, ref, func(ctx context.Context, tx repository.TransitionTx) error {
		tenantID = tx.Run().TenantID
		ok, err := tx.FinishRun(ctx, repository.RunApproved)
		if err != nil || !ok {
			return err
		}
		finished = true
		return finisher.FinishWorkflow(ctx, subject.Outcome{Subject: ref, TenantID: tenantID, Status: repository.RunApproved})
	})
	if err != nil {
		return err
	}
	if finished {
		s.workflowFinished(ctx, ref, tenantID, repository.RunApproved, nil)
	}
	return nil
}

// ── Transitions ───────────────────────────────────────────────────────────────

// UpdateTaskStatus is the PATCH entry point: only completed and rejected are
// accepted.
func (s *WorkflowService) UpdateTaskStatus(ctx context.Context, taskID, actorID, status string, comment *string) (*repository.ApprovalTask, error) {
	switch repository.TaskStatus(status) {
	case repository.TaskCompleted:
		return s.Complete(ctx, taskID, actorID, comment)
	case repository.TaskRejected:
		return s.Reject(ctx, taskID, actorID, comment)
	}
	return nil, errors.InvalidInput("status", "status must be completed or rejected")
}

// Complete approves a pending task. The next level becomes pending or, when
// none is left, the workflow finishes as approved.
func (s *WorkflowService) Complete(ctx context.Context, taskID, actorID string, comment *string) (*repository.ApprovalTask, error) {
	return s.resolve(ctx, taskID, actorID, comment, repository.TaskCompleted)
}

// Reject rejects a pending task, terminates every open sibling and finishes
// the workflow as rejected.
func (s *WorkflowService) Reject(ctx context.Context, taskID, actorID string, comment *string) (*repository.ApprovalTask, error) {
	return s.resolve(ctx, taskID, actorID, comment, repository.TaskRejected)
}

func (s *WorkflowService) resolve(ctx context.Context, taskID, actorID string, comment *string, to repository.TaskStatus) (*repository.ApprovalTask, error) {
	ctx, span := s.tracer.Start(ctx, "WorkflowService.resolve", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.to", string(to)),
	))
	defer span.End()

	out, err := s.doResolve(ctx, taskID, actorID, comment, to)
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(to), outcomeLabel(err)).Inc()
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (s *WorkflowService) doResolve(ctx context.Context, taskID, actorID string, comment *string, to repository.TaskStatus) (*repository.ApprovalTask, error) {
	if actorID == "" {
		return nil, errors.Unauthenticated("user identity is required")
	}
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	step, err := s.steps.GetByID(ctx, task.TenantID, task.StepID)
	if err != nil {
		return nil, err
	}

	// authorization precedes any state change
	ok, err := s.authz.CanAct(ctx, step, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Forbidden("you are not allowed to act on this task")
	}
	if err := checkPending(task.Status); err != nil {
		return nil, err
	}
	finisher, err := s.subjects.Resolve(task.Subject.Kind)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var res transition
	err = s.tasks.Transition(ctx, task.Subject, func(ctx context.Context, tx repository.TransitionTx) error {
		res = transition{}
		current := findTask(tx.Tasks(), taskID)
		if current == nil {
			return errors.NotFound("approval_task", taskID)
		}
		if err := checkPending(current.Status); err != nil {
			return err
		}
		actor := actorID
		if err := tx.SetTaskStatus(ctx, taskID, repository.TaskPending, to, &actor, comment); err != nil {
			return err
		}
		res.resolved = current.Snapshot()

		var runStatus repository.RunStatus
		if to == repository.TaskCompleted {
			next := nextTask(tx.Tasks(), current.Level)
			if next != nil {
				if err := tx.SetTaskStatus(ctx, next.ID, repository.TaskNotStarted, repository.TaskPending, nil, nil); err != nil {
					return err
				}
				activated := next.Snapshot()
				res.activated = &activated
				res.run = *tx.Run()
				return nil
			}
			runStatus = repository.RunApproved
		} else {
			for _, sibling := range tx.Tasks() {
				if sibling.ID == taskID || !sibling.Status.Open() {
					continue
				}
				if err := tx.SetTaskStatus(ctx, sibling.ID, sibling.Status, repository.TaskTerminated, nil, nil); err != nil {
					return err
				}
				res.terminated = append(res.terminated, sibling.Snapshot())
			}
			runStatus = repository.RunRejected
		}

		finished, err := tx.FinishRun(ctx, runStatus)
		if err != nil {
			return err
		}
		res.run = *tx.Run()
		if !finished {
			return nil
		}
		res.finished = true
		return finisher.FinishWorkflow(ctx, subject.Outcome{
			Subject:  task.Subject,
			TenantID: res.run.TenantID,
			Status:   runStatus,
		})
	})
	if s.metrics != nil {
		s.metrics.TransitionDuration.WithLabelValues(string(to)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("task_id", taskID).
		Str("subject_kind", task.Subject.Kind).
		Str("subject_id", task.Subject.ID).
		Str("status", string(to)).
		Str("acted_by", actorID).
		Msg("Approval task resolved")

	s.afterCommit(ctx, actorID, step, &res)
	out := res.resolved
	return &out, nil
}

// afterCommit records audit entries and enqueues notifications. Failures are
// logged and never reach the caller.
func (s *WorkflowService) afterCommit(ctx context.Context, actorID string, step *repository.ApprovalStep, res *transition) {
	actor := actorID
	auditAction := repository.AuditCompleted
	if res.resolved.Status == repository.TaskRejected {
		auditAction = repository.AuditRejected
	}
	s.appendTaskAudit(ctx, &res.resolved, auditAction, &actor, res.resolved.Comment)
	for i := range res.terminated {
		s.appendTaskAudit(ctx, &res.terminated[i], repository.AuditTerminated, &actor, nil)
	}
	if res.finished {
		s.workflowFinished(ctx, res.resolved.Subject, res.run.TenantID, res.run.Status, &actor)
	}

	batch := notify.Batch{Key: res.resolved.Subject.String()}
	batch.Add(s.resolvedMessages(ctx, actorID, step, res))

	var followUp []notify.Message
	if res.activated != nil {
		next, err := s.steps.GetByID(ctx, res.activated.TenantID, res.activated.StepID)
		if err != nil {
			s.log.Warn().Err(err).Str("task_id", res.activated.ID).Msg("Failed to load next step for notification")
		} else {
			followUp = append(followUp, s.assignedMessages(ctx, next, res.activated)...)
		}
	}
	for i := range res.terminated {
		t := &res.terminated[i]
		st, err := s.steps.GetByID(ctx, t.TenantID, t.StepID)
		if err != nil {
			s.log.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to load terminated step for notification")
			continue
		}
		audience := s.audience(ctx, st)
		followUp = append(followUp, fanOut(audience, "", notify.KindTaskTerminated,
			fmt.Sprintf("Task '%s' was terminated", t.StepName), notify.SnapshotOf(t))...)
	}
	batch.Add(followUp)

	s.enqueue(ctx, res.run.TenantID, batch)
}

// enqueue appends a final phase refreshing the task list of every notified
// user and hands the batch to the notifier.
func (s *WorkflowService) enqueue(ctx context.Context, tenantID string, batch notify.Batch) {
	var updates []notify.Message
	for _, userID := range batch.Recipients() {
		tasks, err := s.ListMyTasks(ctx, tenantID, userID, "")
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to load task list for notification")
			continue
		}
		snaps := make([]*notify.TaskSnapshot, 0, len(tasks))
		for _, t := range tasks {
			snaps = append(snaps, notify.SnapshotOf(t))
		}
		msg := newMessage(userID, notify.KindTasksUpdate, "", nil)
		msg.Tasks = snaps
		updates = append(updates, msg)
	}
	batch.Add(updates)
	s.notifier.Enqueue(batch)
}

func (s *WorkflowService) workflowFinished(ctx context.Context, ref repository.SubjectRef, tenantID string, status repository.RunStatus, actor *string) {
	if s.metrics != nil {
		s.metrics.WorkflowsFinished.WithLabelValues(ref.Kind, string(status)).Inc()
	}
	s.log.Info().
		Str("subject_kind", ref.Kind).
		Str("subject_id", ref.ID).
		Str("status", string(status)).
		Msg("Approval workflow finished")
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		TenantID:    tenantID,
		Subject:     ref,
		Action:      repository.AuditFinished,
		PerformedBy: actor,
		Metadata:    map[string]interface{}{"status": string(status)},
	})
}

// ── Notification building ─────────────────────────────────────────────────────

// resolvedMessages is the progress notice to the resolved task's audience
// (minus the actor) plus the outcome notice to the subject's creator.
func (s *WorkflowService) resolvedMessages(ctx context.Context, actorID string, step *repository.ApprovalStep, res *transition) []notify.Message {
	verb, outcome := "completed", "approved"
	if res.resolved.Status == repository.TaskRejected {
		verb, outcome = "rejected", "rejected"
	}
	name := s.fullName(ctx, actorID)
	snap := notify.SnapshotOf(&res.resolved)

	out := fanOut(s.audience(ctx, step), actorID, notify.KindTaskResolved,
		fmt.Sprintf("Task '%s' has been %s by %s", res.resolved.StepName, verb, name), snap)

	if res.run.CreatedBy != nil && *res.run.CreatedBy != "" {
		out = append(out, newMessage(*res.run.CreatedBy, notify.KindSubjectResolved,
			fmt.Sprintf("Your %s was %s by %s", s.actionLabel(ctx, res.run.ActionID), outcome, name), snap))
	}
	return out
}

func (s *WorkflowService) assignedMessages(ctx context.Context, step *repository.ApprovalStep, task *repository.ApprovalTask) []notify.Message {
	return fanOut(s.audience(ctx, step), "", notify.KindTaskAssigned,
		"You have a new task to approve: "+task.StepName, notify.SnapshotOf(task))
}

func (s *WorkflowService) audience(ctx context.Context, step *repository.ApprovalStep) []string {
	users, err := s.authz.Audience(ctx, step)
	if err != nil {
		s.log.Warn().Err(err).Str("step_id", step.ID).Msg("Failed to resolve notification audience")
		return nil
	}
	return users
}

func (s *WorkflowService) fullName(ctx context.Context, userID string) string {
	name, err := s.identity.UserFullName(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to resolve user name")
	}
	if strings.TrimSpace(name) == "" {
		return userID
	}
	return name
}

func (s *WorkflowService) actionLabel(ctx context.Context, actionID string) string {
	a, err := s.catalog.GetAction(ctx, actionID)
	if err != nil {
		s.log.Warn().Err(err).Str("action_id", actionID).Msg("Failed to resolve action label")
		return "request"
	}
	return a.Label
}

func fanOut(recipients []string, skip string, kind notify.Kind, text string, snap *notify.TaskSnapshot) []notify.Message {
	out := make([]notify.Message, 0, len(recipients))
	for _, r := range recipients {
		if r == skip {
			continue
		}
		out = append(out, newMessage(r, kind, text, snap))
	}
	return out
}

func newMessage(recipient string, kind notify.Kind, text string, snap *notify.TaskSnapshot) notify.Message {
	return notify.Message{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Kind:      kind,
		Text:      text,
		Task:      snap,
		CreatedAt: time.Now().UTC(),
	}
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetTask returns a single task.
func (s *WorkflowService) GetTask(ctx context.Context, id string) (*repository.ApprovalTask, error) {
	return s.tasks.GetTask(ctx, id)
}

// GetRun returns the subject's workflow run.
func (s *WorkflowService) GetRun(ctx context.Context, ref repository.SubjectRef) (*repository.WorkflowRun, error) {
	return s.tasks.GetRun(ctx, ref)
}

// ListMyTasks returns tasks of a tenant the user may act on, optionally
// filtered by status.
func (s *WorkflowService) ListMyTasks(ctx context.Context, tenantID, userID, status string) ([]*repository.ApprovalTask, error) {
	if tenantID == "" {
		return nil, errors.InvalidInput("tenant_id", "tenant is required")
	}
	if userID == "" {
		return nil, errors.Unauthenticated("user identity is required")
	}
	filter := repository.TaskFilter{TenantID: tenantID, UserID: userID}
	if status != "" {
		st, err := repository.ParseTaskStatus(status)
		if err != nil {
			return nil, err
		}
		filter.Status = &st
	}
	roles, err := s.identity.UserRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	filter.RoleIDs = roles
	return s.tasks.ListForApprover(ctx, filter)
}

// ListSubjectTasks returns a subject's tasks ordered by level.
func (s *WorkflowService) ListSubjectTasks(ctx context.Context, ref repository.SubjectRef) ([]*repository.ApprovalTask, error) {
	return s.tasks.ListBySubject(ctx, ref)
}

// History returns the subject's audit trail, oldest first.
func (s *WorkflowService) History(ctx context.Context, ref repository.SubjectRef) ([]*repository.ApprovalAuditEntry, error) {
	return s.audit.ListBySubject(ctx, ref)
}

// ── Reconcile ─────────────────────────────────────────────────────────────────

// ReconcileResult counts the runs a reconcile pass repaired.
type ReconcileResult struct {
	// Resumed runs had their lowest not_started task activated.
	Resumed int `json:"resumed"`
	// Finished runs had no open task left.
	Finished int `json:"finished"`
}

// Reconcile repairs in-progress runs without a pending task, such as runs
// whose pending or remaining steps were deleted.
func (s *WorkflowService) Reconcile(ctx context.Context) (ReconcileResult, error) {
	return s.ResumeStalled(ctx, "", "")
}

// ResumeStalled repairs the stalled runs of one (tenant, action) group, or of
// every group when both are empty. A run that still has not_started tasks
// gets its lowest one activated; a run without open tasks is finished.
func (s *WorkflowService) ResumeStalled(ctx context.Context, tenantID, actionID string) (ReconcileResult, error) {
	var result ReconcileResult
	runs, err := s.tasks.ListStalledRuns(ctx, tenantID, actionID)
	if err != nil {
		return result, err
	}

	for _, run := range runs {
		finisher, err := s.subjects.Resolve(run.Subject.Kind)
		if err != nil {
			s.log.Warn().Err(err).Str("subject_kind", run.Subject.Kind).Msg("Skipping run of unknown subject kind")
			continue
		}
		var status repository.RunStatus
		var done bool
		var activated *repository.ApprovalTask
		err = s.tasks.Transition(ctx, run.Subject, func(ctx context.Context, tx repository.TransitionTx) error {
			done, activated = false, nil
			status = repository.RunApproved
			for _, t := range tx.Tasks() {
				if t.Status == repository.TaskPending {
					return nil
				}
				if t.Status == repository.TaskRejected {
					status = repository.RunRejected
				}
			}
			if status == repository.RunApproved {
				if next := nextTask(tx.Tasks(), 0); next != nil {
					if err := tx.SetTaskStatus(ctx, next.ID, repository.TaskNotStarted, repository.TaskPending, nil, nil); err != nil {
						return err
					}
					snap := next.Snapshot()
					activated = &snap
					return nil
				}
			}
			ok, err := tx.FinishRun(ctx, status)
			if err != nil || !ok {
				return err
			}
			done = true
			return finisher.FinishWorkflow(ctx, subject.Outcome{Subject: run.Subject, TenantID: run.TenantID, Status: status})
		})
		if err != nil {
			s.log.Warn().Err(err).
				Str("subject_kind", run.Subject.Kind).
				Str("subject_id", run.Subject.ID).
				Msg("Failed to reconcile workflow run")
			continue
		}
		switch {
		case activated != nil:
			result.Resumed++
			s.taskResumed(ctx, activated)
		case done:
			result.Finished++
			s.workflowFinished(ctx, run.Subject, run.TenantID, status, nil)
		}
	}
	return result, nil
}

// taskResumed notifies the audience of a task activated outside of a
// regular transition.
func (s *WorkflowService) taskResumed(ctx context.Context, task *repository.ApprovalTask) {
	s.log.Info().
		Str("task_id", task.ID).
		Str("subject_kind", task.Subject.Kind).
		Str("subject_id", task.Subject.ID).
		Msg("Stalled workflow resumed")
	step, err := s.steps.GetByID(ctx, task.TenantID, task.StepID)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to load resumed step for notification")
		return
	}
	batch := notify.Batch{Key: task.Subject.String()}
	batch.Add(s.assignedMessages(ctx, step, task))
	s.enqueue(ctx, task.TenantID, batch)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func checkPending(status repository.TaskStatus) error {
	switch status {
	case repository.TaskPending:
		return nil
	case repository.TaskNotStarted:
		return errors.InvalidState("task is not pending yet")
	}
	return errors.InvalidState("task already resolved")
}

func findTask(tasks []*repository.ApprovalTask, id string) *repository.ApprovalTask {
	for _, t := range tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// nextTask picks the not_started task with the lowest level above level.
func nextTask(tasks []*repository.ApprovalTask, level int) *repository.ApprovalTask {
	var next *repository.ApprovalTask
	for _, t := range tasks {
		if t.Status != repository.TaskNotStarted || t.Level <= level {
			continue
		}
		if next == nil || t.Level < next.Level {
			next = t
		}
	}
	return next
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(errors.CodeOf(err)))
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *WorkflowService) appendAudit(ctx context.Context, entry *repository.ApprovalAuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("subject_kind", entry.Subject.Kind).
			Str("subject_id", entry.Subject.ID).
			Str("action", string(entry.Action)).
			Msg("Failed to write audit log entry")
	}
}

func (s *WorkflowService) appendTaskAudit(ctx context.Context, t *repository.ApprovalTask, action repository.AuditAction, actor, comment *string) {
	taskID, stepName, level := t.ID, t.StepName, t.Level
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		TenantID:    t.TenantID,
		Subject:     t.Subject,
		TaskID:      &taskID,
		StepName:    &stepName,
		Level:       &level,
		Action:      action,
		PerformedBy: actor,
		Comment:     comment,
	})
}
