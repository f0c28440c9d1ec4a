package handler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

// GRPCServiceName is the fully qualified name of the approval service.
// Requests and responses are google.protobuf.Struct documents shaped like the
// HTTP API's JSON bodies.
const GRPCServiceName = "approvals.v1.ApprovalWorkflowService"

// ApprovalServer is the server side of the approval gRPC service.
type ApprovalServer interface {
	StartWorkflow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateTaskStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListMyTasks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListSubjectTasks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListSteps(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type structMethod func(srv ApprovalServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*ApprovalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartWorkflow", Handler: unaryHandler("StartWorkflow", ApprovalServer.StartWorkflow)},
		{MethodName: "UpdateTaskStatus", Handler: unaryHandler("UpdateTaskStatus", ApprovalServer.UpdateTaskStatus)},
		{MethodName: "GetTask", Handler: unaryHandler("GetTask", ApprovalServer.GetTask)},
		{MethodName: "ListMyTasks", Handler: unaryHandler("ListMyTasks", ApprovalServer.ListMyTasks)},
		{MethodName: "ListSubjectTasks", Handler: unaryHandler("ListSubjectTasks", ApprovalServer.ListSubjectTasks)},
		{MethodName: "ListSteps", Handler: unaryHandler("ListSteps", ApprovalServer.ListSteps)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/approvals.proto",
}

func unaryHandler(name string, fn structMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(ApprovalServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + GRPCServiceName + "/" + name,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(srv.(ApprovalServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterApprovalServer registers srv on s.
func RegisterApprovalServer(s grpc.ServiceRegistrar, srv ApprovalServer) {
	s.RegisterService(&approvalServiceDesc, srv)
}

// GRPCHandler implements ApprovalServer on top of the services.
type GRPCHandler struct {
	workflow  *service.WorkflowService
	steps     *service.StepService
	directory *service.DirectoryService
	logger    zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(
	workflow *service.WorkflowService,
	steps *service.StepService,
	directory *service.DirectoryService,
	logger zerolog.Logger,
) *GRPCHandler {
	return &GRPCHandler{
		workflow:  workflow,
		steps:     steps,
		directory: directory,
		logger:    logger.With().Str("handler", "grpc").Logger(),
	}
}

// AuthInterceptor resolves the caller from the authorization or x-user-id
// metadata for approval service calls. Other services, such as health, pass
// through untouched.
func AuthInterceptor(auth *Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+GRPCServiceName+"/") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		userID, err := auth.Identify(first(md.Get("authorization")), first(md.Get("x-user-id")))
		if err != nil {
			return nil, mapErrorToGRPC(err)
		}
		return handler(WithUserID(ctx, userID), req)
	}
}

// StartWorkflow enrolls a subject. Fields: tenant_id, action_id,
// subject_kind, subject_id.
func (h *GRPCHandler) StartWorkflow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenantID := field(req, "tenant_id")
	h.logger.Info().
		Str("tenant_id", tenantID).
		Str("subject_kind", field(req, "subject_kind")).
		Str("subject_id", field(req, "subject_id")).
		Msg("gRPC StartWorkflow called")

	if err := h.directory.RequireMember(ctx, tenantID, UserID(ctx)); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	run, tasks, err := h.workflow.StartWorkflow(ctx, service.StartInput{
		TenantID:    tenantID,
		ActionID:    field(req, "action_id"),
		SubjectKind: field(req, "subject_kind"),
		SubjectID:   field(req, "subject_id"),
		CreatedBy:   UserID(ctx),
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toRun(run, tasks))
}

// UpdateTaskStatus completes or rejects a task. Fields: task_id, status,
// optional comment.
func (h *GRPCHandler) UpdateTaskStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	taskID := field(req, "task_id")
	h.logger.Info().
		Str("task_id", taskID).
		Str("status", field(req, "status")).
		Msg("gRPC UpdateTaskStatus called")

	var comment *string
	if v, ok := req.GetFields()["comment"]; ok {
		if s, isString := v.GetKind().(*structpb.Value_StringValue); isString {
			comment = &s.StringValue
		}
	}
	task, err := h.workflow.UpdateTaskStatus(ctx, taskID, UserID(ctx), field(req, "status"), comment)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toTask(task))
}

// GetTask returns one task. Fields: task_id.
func (h *GRPCHandler) GetTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	task, err := h.workflow.GetTask(ctx, field(req, "task_id"))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	if err := h.directory.RequireMember(ctx, task.TenantID, UserID(ctx)); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toTask(task))
}

// ListMyTasks lists the caller's actionable tasks. Fields: tenant_id,
// optional status.
func (h *GRPCHandler) ListMyTasks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenantID := field(req, "tenant_id")
	if err := h.directory.RequireMember(ctx, tenantID, UserID(ctx)); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	tasks, err := h.workflow.ListMyTasks(ctx, tenantID, UserID(ctx), field(req, "status"))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]interface{}{"tasks": toTasks(tasks)})
}

// ListSubjectTasks lists a subject's tasks. Fields: subject_kind,
// subject_id.
func (h *GRPCHandler) ListSubjectTasks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ref := repository.SubjectRef{Kind: field(req, "subject_kind"), ID: field(req, "subject_id")}
	run, err := h.workflow.GetRun(ctx, ref)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	if err := h.directory.RequireMember(ctx, run.TenantID, UserID(ctx)); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	tasks, err := h.workflow.ListSubjectTasks(ctx, ref)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]interface{}{"tasks": toTasks(tasks)})
}

// ListSteps lists step definitions. Fields: tenant_id, optional action_id.
func (h *GRPCHandler) ListSteps(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenantID := field(req, "tenant_id")
	if err := h.directory.RequireMember(ctx, tenantID, UserID(ctx)); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	steps, err := h.steps.List(ctx, tenantID, field(req, "action_id"))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]interface{}{"steps": toSteps(steps)})
}

// Helper functions

func field(req *structpb.Struct, name string) string {
	v, ok := req.GetFields()[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.GetStringValue())
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// toStruct converts a response DTO through its JSON form so gRPC and HTTP
// return identical documents.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeInvalidState:
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.ErrCodePermissionDenied:
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeUnauthenticated:
		return status.Error(codes.Unauthenticated, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
