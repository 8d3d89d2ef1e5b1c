package batch

import (
	"gridswap/internal/engine"
)

// State 为批量操作的整体状态。
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
)

// Operation 描述一次批量执行：有序的请求序列与并发上限。批量操作持有其
// 订单的簿记；部分条目失败不会回滚已确认的兄弟条目。
type Operation struct {
	ID               string
	Items            []engine.TradeRequest
	ConcurrencyLimit int
	State            State
}

// ItemResult 为单个条目的流式进度回报。
type ItemResult struct {
	Index    int
	Order    *engine.Order
	Attempts int
}

// Result 为批量执行的聚合结果：逐条目的最终订单加汇总计数。
type Result struct {
	BatchID   string
	Orders    map[int]*engine.Order
	Succeeded int
	Failed    int
	Pending   int
	Cancelled int
}
