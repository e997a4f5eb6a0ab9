package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedIdentity 任務識別碼或 MetaInfo 字串結構不合法
//
// 代表協定層資料損壞，一律回傳給呼叫端，不可吞掉。
var ErrMalformedIdentity = errors.New("malformed task identity")

// ============================================================================
// MetaInfo
// ============================================================================

// MetaInfo 與分派次數無關的任務身分（作業名稱 + 分片序列）
//
// 同一個 MetaInfo 可以被重複分派多次，每次產生新的任務識別碼。
type MetaInfo struct {
	JobName       string `json:"job_name"`
	ShardingItems []int  `json:"sharding_items"`
}

// Equal 作業名稱與分片序列（有序）皆相同才相等
func (m MetaInfo) Equal(other MetaInfo) bool {
	if m.JobName != other.JobName || len(m.ShardingItems) != len(other.ShardingItems) {
		return false
	}
	for i, item := range m.ShardingItems {
		if other.ShardingItems[i] != item {
			return false
		}
	}
	return true
}

// String 回傳 {jobName}@-@{item,item,...}，可作為 map 鍵值
func (m MetaInfo) String() string {
	items := make([]string, len(m.ShardingItems))
	for i, item := range m.ShardingItems {
		items[i] = strconv.Itoa(item)
	}
	return m.JobName + Delimiter + strings.Join(items, ",")
}

// ParseMetaInfo 由 MetaInfo 字串或完整任務識別碼還原 MetaInfo
func ParseMetaInfo(value string) (MetaInfo, error) {
	parts := strings.Split(value, Delimiter)
	if len(parts) != 2 && len(parts) != 5 {
		return MetaInfo{}, fmt.Errorf("%w: %q has %d segments", ErrMalformedIdentity, value, len(parts))
	}
	return parseMetaInfo(value, parts[0], parts[1])
}

func parseMetaInfo(value, jobName, rawItems string) (MetaInfo, error) {
	if jobName == "" {
		return MetaInfo{}, fmt.Errorf("%w: %q has empty job name", ErrMalformedIdentity, value)
	}
	items := make([]int, 0)
	if rawItems != "" {
		for _, raw := range strings.Split(rawItems, ",") {
			item, err := strconv.Atoi(raw)
			if err != nil || item < 0 {
				return MetaInfo{}, fmt.Errorf("%w: %q has invalid sharding item %q", ErrMalformedIdentity, value, raw)
			}
			items = append(items, item)
		}
	}
	return MetaInfo{JobName: jobName, ShardingItems: items}, nil
}

// ============================================================================
// TaskContext
// ============================================================================

// TaskContext 一次分派嘗試的任務上下文
//
// UpdateTime 為最後一次存活時間，只由存活回報路徑（RunningService.RefreshUpdateTime）
// 寫入，對帳迴圈只讀取並比對快照，從不寫入。
type TaskContext struct {
	MetaInfo   MetaInfo      `json:"meta_info"`
	ID         string        `json:"id"`
	Type       ExecutionType `json:"type"`
	SlaveID    string        `json:"slave_id"`
	UpdateTime time.Time     `json:"update_time"`
}

// ValidateJobName 作業名稱不可為空，也不可包含分隔符號，否則任務識別碼無法還原
func ValidateJobName(jobName string) error {
	if jobName == "" {
		return fmt.Errorf("%w: empty job name", ErrMalformedIdentity)
	}
	if strings.Contains(jobName, Delimiter) {
		return fmt.Errorf("%w: job name %q contains %q", ErrMalformedIdentity, jobName, Delimiter)
	}
	return nil
}

// ValidateSlaveID slaveID 不可包含分隔符號
func ValidateSlaveID(slaveID string) error {
	if strings.Contains(slaveID, Delimiter) {
		return fmt.Errorf("%w: slave id %q contains %q", ErrMalformedIdentity, slaveID, Delimiter)
	}
	return nil
}

// NewTaskContext 建立新的任務上下文，以 uuid 作為本次分派的區別碼
//
// jobName 與 slaveID 需先通過 ValidateJobName / ValidateSlaveID，
// 否則產生的識別碼無法被 Decode 還原。
func NewTaskContext(jobName string, shardingItems []int, typ ExecutionType, slaveID string) TaskContext {
	meta := MetaInfo{JobName: jobName, ShardingItems: append([]int(nil), shardingItems...)}
	if meta.ShardingItems == nil {
		meta.ShardingItems = make([]int, 0)
	}
	return TaskContext{
		MetaInfo:   meta,
		ID:         strings.Join([]string{meta.String(), string(typ), slaveID, uuid.NewString()}, Delimiter),
		Type:       typ,
		SlaveID:    slaveID,
		UpdateTime: time.Now(),
	}
}

// Encode 將任務上下文編碼為節點值
//
// 節點值即任務識別碼；UpdateTime 屬於執行期存活狀態，不在編碼範圍內。
func Encode(task TaskContext) string {
	return task.ID
}

// Decode 由節點值還原任務上下文，UpdateTime 設為還原當下
func Decode(value string) (TaskContext, error) {
	parts := strings.Split(value, Delimiter)
	if len(parts) != 5 {
		return TaskContext{}, fmt.Errorf("%w: %q has %d segments, want 5", ErrMalformedIdentity, value, len(parts))
	}

	meta, err := parseMetaInfo(value, parts[0], parts[1])
	if err != nil {
		return TaskContext{}, err
	}

	typ := ExecutionType(parts[2])
	if !typ.Valid() {
		return TaskContext{}, fmt.Errorf("%w: %q has unknown execution type %q", ErrMalformedIdentity, value, parts[2])
	}
	if parts[4] == "" {
		return TaskContext{}, fmt.Errorf("%w: %q has empty attempt id", ErrMalformedIdentity, value)
	}

	return TaskContext{
		MetaInfo:   meta,
		ID:         value,
		Type:       typ,
		SlaveID:    parts[3],
		UpdateTime: time.Now(),
	}, nil
}

// MetaInfoOf 取得任務的 MetaInfo
func MetaInfoOf(task TaskContext) MetaInfo {
	return task.MetaInfo
}

// Equal 以身分欄位比較兩個任務上下文（不含 UpdateTime）
func (t TaskContext) Equal(other TaskContext) bool {
	return t.ID == other.ID && t.Type == other.Type && t.SlaveID == other.SlaveID && t.MetaInfo.Equal(other.MetaInfo)
}

// Touch 將 UpdateTime 更新為指定時間（存活回報）
func (t *TaskContext) Touch(at time.Time) {
	t.UpdateTime = at
}
