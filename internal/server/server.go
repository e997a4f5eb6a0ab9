package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/controller"
	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

var log = slog.Default()

// gRPC 服務與方法名稱
const (
	ServiceName              = "elasticjob.cloud.v1.Scheduler"
	resourceOfferMethod      = "/" + ServiceName + "/ResourceOffer"
	statusUpdateMethod       = "/" + ServiceName + "/StatusUpdate"
	updateDaemonStatusMethod = "/" + ServiceName + "/UpdateDaemonStatus"
	killJobMethod            = "/" + ServiceName + "/KillJob"
)

// 訊息欄位
const (
	fieldSlaveID   = "slave_id"
	fieldTaskID    = "task_id"
	fieldTaskIDs   = "task_ids"
	fieldState     = "state"
	fieldIdle      = "idle"
	fieldJobName   = "job_name"
	fieldRequested = "requested"
)

// Scheduler 資源管理器回呼的接收端，由 controller.Controller 實作
type Scheduler interface {
	Launch(slaveID string) ([]types.TaskContext, error)
	StatusUpdate(taskID string, state types.TaskState) error
	UpdateDaemonStatus(taskID string, idle bool) error
	KillJob(ctx context.Context, jobName string) int
}

// schedulerServer gRPC 服務的方法集合
type schedulerServer interface {
	ResourceOffer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StatusUpdate(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UpdateDaemonStatus(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	KillJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements the scheduler callback gRPC service.
type Server struct {
	scheduler Scheduler
}

// NewServer creates a new gRPC server instance.
func NewServer(scheduler Scheduler) *Server {
	return &Server{scheduler: scheduler}
}

// Register 將 Server 註冊到 gRPC server
func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&schedulerServiceDesc, srv)
}

// ResourceOffer 資源供給：分派本週期可執行的任務到 slave
func (s *Server) ResourceOffer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	slaveID := req.GetFields()[fieldSlaveID].GetStringValue()
	if slaveID == "" {
		return nil, status.Error(codes.InvalidArgument, "slave_id is required")
	}

	tasks, err := s.scheduler.Launch(slaveID)
	if err != nil {
		return nil, toStatus(err)
	}
	taskIDs := make([]any, 0, len(tasks))
	for _, each := range tasks {
		taskIDs = append(taskIDs, each.ID)
	}
	return structpb.NewStruct(map[string]any{fieldTaskIDs: taskIDs})
}

// StatusUpdate 任務狀態回報
func (s *Server) StatusUpdate(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	taskID := fields[fieldTaskID].GetStringValue()
	state := types.TaskState(fields[fieldState].GetStringValue())

	if err := s.scheduler.StatusUpdate(taskID, state); err != nil {
		log.Warn("Status update rejected", "taskID", taskID, "state", state, "error", err)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// UpdateDaemonStatus 常駐任務閒置 / 忙碌回報
func (s *Server) UpdateDaemonStatus(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	taskID := fields[fieldTaskID].GetStringValue()

	if err := s.scheduler.UpdateDaemonStatus(taskID, fields[fieldIdle].GetBoolValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// KillJob 終止作業所有執行中任務，回傳送出的終止請求數
func (s *Server) KillJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	jobName := req.GetFields()[fieldJobName].GetStringValue()
	if err := types.ValidateJobName(jobName); err != nil {
		return nil, toStatus(err)
	}

	requested := s.scheduler.KillJob(ctx, jobName)
	return structpb.NewStruct(map[string]any{fieldRequested: requested})
}

// ============================================================================
// Service descriptor
// ============================================================================

var schedulerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*schedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResourceOffer", Handler: unaryHandler(resourceOfferMethod, func(s schedulerServer, ctx context.Context, req *structpb.Struct) (proto.Message, error) {
			return s.ResourceOffer(ctx, req)
		})},
		{MethodName: "StatusUpdate", Handler: unaryHandler(statusUpdateMethod, func(s schedulerServer, ctx context.Context, req *structpb.Struct) (proto.Message, error) {
			return s.StatusUpdate(ctx, req)
		})},
		{MethodName: "UpdateDaemonStatus", Handler: unaryHandler(updateDaemonStatusMethod, func(s schedulerServer, ctx context.Context, req *structpb.Struct) (proto.Message, error) {
			return s.UpdateDaemonStatus(ctx, req)
		})},
		{MethodName: "KillJob", Handler: unaryHandler(killJobMethod, func(s schedulerServer, ctx context.Context, req *structpb.Struct) (proto.Message, error) {
			return s.KillJob(ctx, req)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "elasticjob/cloud/v1/scheduler",
}

// unaryHandler 所有方法的請求都是 structpb.Struct
func unaryHandler(method string, call func(schedulerServer, context.Context, *structpb.Struct) (proto.Message, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handle := func(ctx context.Context, req any) (any, error) {
			return call(srv.(schedulerServer), ctx, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return handle(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: method}, handle)
	}
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, types.ErrMalformedIdentity), errors.Is(err, controller.ErrUnknownTaskState):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ============================================================================
// Client
// ============================================================================

// Client 呼叫排程器回呼服務，供資源管理器端與 CLI 使用
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient 以已建立的連線建立 Client
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// ResourceOffer 回傳分派到 slaveID 的任務識別碼
func (c *Client) ResourceOffer(ctx context.Context, slaveID string) ([]string, error) {
	req, err := structpb.NewStruct(map[string]any{fieldSlaveID: slaveID})
	if err != nil {
		return nil, fmt.Errorf("encode resource offer: %w", err)
	}
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, resourceOfferMethod, req, reply); err != nil {
		return nil, fmt.Errorf("rpc resource offer failed: %w", err)
	}

	values := reply.GetFields()[fieldTaskIDs].GetListValue().GetValues()
	taskIDs := make([]string, 0, len(values))
	for _, each := range values {
		taskIDs = append(taskIDs, each.GetStringValue())
	}
	return taskIDs, nil
}

// StatusUpdate 回報任務狀態
func (c *Client) StatusUpdate(ctx context.Context, taskID string, state types.TaskState) error {
	req, err := structpb.NewStruct(map[string]any{fieldTaskID: taskID, fieldState: string(state)})
	if err != nil {
		return fmt.Errorf("encode status update: %w", err)
	}
	if err := c.conn.Invoke(ctx, statusUpdateMethod, req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("rpc status update failed: %w", err)
	}
	return nil
}

// UpdateDaemonStatus 回報常駐任務閒置 / 忙碌
func (c *Client) UpdateDaemonStatus(ctx context.Context, taskID string, idle bool) error {
	req, err := structpb.NewStruct(map[string]any{fieldTaskID: taskID, fieldIdle: idle})
	if err != nil {
		return fmt.Errorf("encode daemon status: %w", err)
	}
	if err := c.conn.Invoke(ctx, updateDaemonStatusMethod, req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("rpc update daemon status failed: %w", err)
	}
	return nil
}

// KillJob 要求終止作業，回傳送出的終止請求數
func (c *Client) KillJob(ctx context.Context, jobName string) (int, error) {
	req, err := structpb.NewStruct(map[string]any{fieldJobName: jobName})
	if err != nil {
		return 0, fmt.Errorf("encode kill job: %w", err)
	}
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, killJobMethod, req, reply); err != nil {
		return 0, fmt.Errorf("rpc kill job failed: %w", err)
	}
	return int(reply.GetFields()[fieldRequested].GetNumberValue()), nil
}
