// Package paging 定义列表查询共用的分页参数
package paging

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Request 分页请求（Page 从 1 开始）
type Request struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// NewRequest 创建并规范化分页请求
func NewRequest(page, pageSize int) Request {
	return Request{Page: page, PageSize: pageSize}.Normalize()
}

// Normalize 补齐默认值并限制最大页大小
func (r Request) Normalize() Request {
	if r.Page < 1 {
		r.Page = 1
	}
	if r.PageSize <= 0 {
		r.PageSize = DefaultPageSize
	}
	if r.PageSize > MaxPageSize {
		r.PageSize = MaxPageSize
	}
	return r
}

// Offset 返回跳过的记录数
func (r Request) Offset() int {
	n := r.Normalize()
	return (n.Page - 1) * n.PageSize
}

// Limit 返回单页记录数
func (r Request) Limit() int {
	return r.Normalize().PageSize
}

// Slice 对已排序的内存结果做分页，返回 [start, end) 区间
func (r Request) Slice(total int) (start, end int) {
	start = r.Offset()
	if start > total {
		start = total
	}
	end = start + r.Limit()
	if end > total {
		end = total
	}
	return start, end
}
