package workflow

import (
	"context"

	"k1s0/paging"
)

// Repository 工作流定义存储端口
type Repository interface {
	// CreateWorkflow 保存新定义；名称已存在时返回 ALREADY_EXISTS
	CreateWorkflow(ctx context.Context, def *Definition) error

	// FindWorkflowByName 按名称查找；不存在时返回 NOT_FOUND
	FindWorkflowByName(ctx context.Context, name string) (*Definition, error)

	// ListWorkflows 按创建时间分页列出，返回当前页和总数
	ListWorkflows(ctx context.Context, page paging.Request) ([]*Definition, int, error)
}
