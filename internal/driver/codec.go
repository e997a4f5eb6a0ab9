package driver

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

// 訊息欄位
const (
	fieldTaskID   = "task_id"
	fieldSlaveID  = "slave_id"
	fieldState    = "state"
	fieldStatuses = "statuses"
)

func encodeKillTask(taskID string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{fieldTaskID: taskID})
}

func decodeKillTask(req *structpb.Struct) (string, error) {
	taskID := req.GetFields()[fieldTaskID].GetStringValue()
	if _, err := types.Decode(taskID); err != nil {
		return "", err
	}
	return taskID, nil
}

func encodeReconcile(statuses []types.TaskStatus) (*structpb.Struct, error) {
	list := make([]any, 0, len(statuses))
	for _, each := range statuses {
		list = append(list, map[string]any{
			fieldTaskID:  each.TaskID,
			fieldSlaveID: each.SlaveID,
			fieldState:   string(each.State),
		})
	}
	return structpb.NewStruct(map[string]any{fieldStatuses: list})
}

func decodeReconcile(req *structpb.Struct) ([]types.TaskStatus, error) {
	values := req.GetFields()[fieldStatuses].GetListValue().GetValues()
	result := make([]types.TaskStatus, 0, len(values))
	for i, value := range values {
		fields := value.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("status %d: not an object", i)
		}
		taskID := fields[fieldTaskID].GetStringValue()
		if _, err := types.Decode(taskID); err != nil {
			return nil, fmt.Errorf("status %d: %w", i, err)
		}
		result = append(result, types.TaskStatus{
			TaskID:  taskID,
			SlaveID: fields[fieldSlaveID].GetStringValue(),
			State:   types.TaskState(fields[fieldState].GetStringValue()),
		})
	}
	return result, nil
}
