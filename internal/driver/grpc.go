package driver

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

// gRPC 服務與方法名稱
const (
	ServiceName          = "elasticjob.cloud.v1.ResourceManager"
	killTaskMethod       = "/" + ServiceName + "/KillTask"
	reconcileTasksMethod = "/" + ServiceName + "/ReconcileTasks"
)

// ============================================================================
// Client
// ============================================================================

// GrpcDriver 透過 gRPC 呼叫遠端資源管理器
type GrpcDriver struct {
	conn grpc.ClientConnInterface
}

// NewGrpcDriver 以已建立的連線建立 GrpcDriver
func NewGrpcDriver(conn grpc.ClientConnInterface) *GrpcDriver {
	return &GrpcDriver{conn: conn}
}

// Dial 建立到資源管理器的連線（明文）
func Dial(address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager client: %w", err)
	}
	return conn, nil
}

// KillTask 要求終止任務
func (d *GrpcDriver) KillTask(ctx context.Context, taskID string) error {
	req, err := encodeKillTask(taskID)
	if err != nil {
		return fmt.Errorf("encode kill task: %w", err)
	}
	if err := d.conn.Invoke(ctx, killTaskMethod, req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("rpc kill task failed: %w", err)
	}
	return nil
}

// ReconcileTasks 送出對帳請求
func (d *GrpcDriver) ReconcileTasks(ctx context.Context, statuses []types.TaskStatus) error {
	req, err := encodeReconcile(statuses)
	if err != nil {
		return fmt.Errorf("encode reconcile: %w", err)
	}
	if err := d.conn.Invoke(ctx, reconcileTasksMethod, req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("rpc reconcile failed: %w", err)
	}
	return nil
}

// ============================================================================
// Server
// ============================================================================

// RegisterResourceManagerServer 將 Driver 實作註冊為 gRPC 服務
//
// 供資源管理器端（或測試用的假資源管理器）使用。
func RegisterResourceManagerServer(s grpc.ServiceRegistrar, impl Driver) {
	s.RegisterService(&resourceManagerServiceDesc, impl)
}

var resourceManagerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Driver)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "KillTask", Handler: killTaskHandler},
		{MethodName: "ReconcileTasks", Handler: reconcileTasksHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "elasticjob/cloud/v1/resource_manager",
}

func killTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		taskID, err := decodeKillTask(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if err := srv.(Driver).KillTask(ctx, taskID); err != nil {
			return nil, toStatus(err)
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: killTaskMethod}, handle)
}

func reconcileTasksHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		statuses, err := decodeReconcile(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if err := srv.(Driver).ReconcileTasks(ctx, statuses); err != nil {
			return nil, toStatus(err)
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: reconcileTasksMethod}, handle)
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
