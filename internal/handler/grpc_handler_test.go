package handler

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
	"github.com/pesio-ai/be-approval-workflows/internal/subject"
)

func TestMapErrorToGRPC(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errors.InvalidInput("status", "bad"), codes.InvalidArgument},
		{errors.InvalidState("task already resolved"), codes.FailedPrecondition},
		{errors.Forbidden("no"), codes.PermissionDenied},
		{errors.NotFound("approval_task", "x"), codes.NotFound},
		{errors.Unauthenticated("who"), codes.Unauthenticated},
		{assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(mapErrorToGRPC(tt.err)), tt.err.Error())
	}
	assert.NoError(t, mapErrorToGRPC(nil))
}

func newGRPCClient(t *testing.T) (*grpc.ClientConn, string) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	log := logger.Nop()

	directory := service.NewDirectoryService(store.Directory(), log)
	require.NoError(t, directory.Sync(ctx, &repository.TenantSnapshot{
		Tenant: repository.Tenant{ID: tenant, OwnerID: "owner"},
		Members: []repository.MemberSnapshot{
			{UserID: "mgr", FullName: "Mia Manager", RoleIDs: []string{"manager"}},
			{UserID: "alice", FullName: "Alice Author"},
		},
	}))
	catalog := service.NewCatalogService(store.Catalog(), log)
	cat, err := catalog.CreateCategory(ctx, "finance", "Finance")
	require.NoError(t, err)
	action, err := catalog.CreateAction(ctx, cat.ID, "expense", "expense report")
	require.NoError(t, err)
	steps := service.NewStepService(store.Steps(), store.Catalog(), store.Directory(), log)
	_, err = steps.Create(ctx, service.CreateStepInput{TenantID: tenant, ActionID: action.ID, Name: "Manager review", RoleIDs: []string{"manager"}})
	require.NoError(t, err)
	workflow := service.NewWorkflowService(
		store.Tasks(), store.Steps(), store.Catalog(), store.Audit(), store.Directory(),
		subject.NewRegistry("expense_report"), discardNotifier{}, nil, log,
	)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(AuthInterceptor(NewAuthenticator("", true))))
	RegisterApprovalServer(srv, NewGRPCHandler(workflow, steps, directory, zerolog.Nop()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, action.ID
}

func invoke(ctx context.Context, conn *grpc.ClientConn, user, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	if user != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-user-id", user)
	}
	out := &structpb.Struct{}
	err = conn.Invoke(ctx, "/"+GRPCServiceName+"/"+method, req, out)
	return out, err
}

func TestGRPC_StartAndComplete(t *testing.T) {
	ctx := context.Background()
	conn, actionID := newGRPCClient(t)

	_, err := invoke(ctx, conn, "", "GetTask", map[string]interface{}{"task_id": "x"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	run, err := invoke(ctx, conn, "alice", "StartWorkflow", map[string]interface{}{
		"tenant_id":    tenant,
		"action_id":    actionID,
		"subject_kind": "expense_report",
		"subject_id":   "exp-1",
	})
	require.NoError(t, err)
	tasks := run.GetFields()["tasks"].GetListValue().GetValues()
	require.Len(t, tasks, 1)
	taskID := tasks[0].GetStructValue().GetFields()["id"].GetStringValue()
	assert.Equal(t, "pending", tasks[0].GetStructValue().GetFields()["status"].GetStringValue())

	_, err = invoke(ctx, conn, "alice", "UpdateTaskStatus", map[string]interface{}{"task_id": taskID, "status": "completed"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = invoke(ctx, conn, "mgr", "UpdateTaskStatus", map[string]interface{}{"task_id": taskID, "status": "pending"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	task, err := invoke(ctx, conn, "mgr", "UpdateTaskStatus", map[string]interface{}{"task_id": taskID, "status": "completed", "comment": "fine"})
	require.NoError(t, err)
	assert.Equal(t, "completed", task.GetFields()["status"].GetStringValue())
	assert.Equal(t, "fine", task.GetFields()["comment"].GetStringValue())

	_, err = invoke(ctx, conn, "mgr", "UpdateTaskStatus", map[string]interface{}{"task_id": taskID, "status": "rejected"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	list, err := invoke(ctx, conn, "alice", "ListSubjectTasks", map[string]interface{}{"subject_kind": "expense_report", "subject_id": "exp-1"})
	require.NoError(t, err)
	assert.Len(t, list.GetFields()["tasks"].GetListValue().GetValues(), 1)

	_, err = invoke(ctx, conn, "stranger", "ListMyTasks", map[string]interface{}{"tenant_id": tenant})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	stepList, err := invoke(ctx, conn, "mgr", "ListSteps", map[string]interface{}{"tenant_id": tenant})
	require.NoError(t, err)
	assert.Len(t, stepList.GetFields()["steps"].GetListValue().GetValues(), 1)
}
