package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"k1s0/cache"
	"k1s0/errors"
	"k1s0/logging"
	"k1s0/paging"
)

// Registry 工作流注册表
//
// 名称唯一性由 Repository 保证。定义注册后不可变，因此按名称缓存副本，
// 缓存条目只在 Register 与 Get 时写入。
type Registry struct {
	repo   Repository
	defs   *cache.Cache[string, *Definition]
	logger logging.Logger
	now    func() time.Time
}

// definitionCacheSize 定义缓存容量
const definitionCacheSize = 1024

// NewRegistry 创建注册表
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo: repo,
		defs: cache.New[string, *Definition](cache.Config{
			Name:    "workflow_definitions",
			MaxSize: definitionCacheSize,
		}),
		logger: logging.ComponentLogger("workflow.registry"),
		now:    time.Now,
	}
}

// Register 校验并注册工作流
//
// 参数：
//   - ctx: 上下文
//   - def: 工作流定义（ID/Version/CreatedAt 由注册表填充）
//
// 返回：
//   - string: 新工作流 ID
//   - error: VALIDATION_ERROR 或 ALREADY_EXISTS（同名重复注册，即便步骤完全相同）
func (r *Registry) Register(ctx context.Context, def *Definition) (string, error) {
	if def == nil {
		return "", errors.NewValidationError("workflow definition is required")
	}
	if err := def.Validate(); err != nil {
		return "", err
	}

	stored := def.Clone()
	stored.ID = uuid.NewString()
	stored.Version = 1
	stored.CreatedAt = r.now().UTC()

	if err := r.repo.CreateWorkflow(ctx, stored); err != nil {
		if errors.IsAlreadyExists(err) {
			return "", errors.NewAlreadyExistsError(fmt.Sprintf("workflow already exists: %s", def.Name))
		}
		return "", err
	}
	r.defs.Set(stored.Name, stored.Clone())

	r.logger.Info(ctx, "workflow registered",
		logging.String("workflow_id", stored.ID),
		logging.String("workflow_name", stored.Name),
		logging.Int("steps", stored.StepCount()))

	return stored.ID, nil
}

// Get 按名称获取工作流，返回调用方独占的副本
func (r *Registry) Get(ctx context.Context, name string) (*Definition, error) {
	if def, found := r.defs.Get(name); found {
		return def.Clone(), nil
	}

	def, err := r.repo.FindWorkflowByName(ctx, name)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFoundError(fmt.Sprintf("workflow not found: %s", name))
		}
		return nil, err
	}
	r.defs.Set(name, def.Clone())
	return def, nil
}

// CacheStats 返回定义缓存的命中统计
func (r *Registry) CacheStats() cache.CacheStats {
	return r.defs.Stats()
}

// List 分页列出工作流
func (r *Registry) List(ctx context.Context, page, pageSize int) ([]*Definition, int, error) {
	return r.repo.ListWorkflows(ctx, paging.NewRequest(page, pageSize))
}

// Preload 启动时批量注册，已存在的同名工作流跳过
func (r *Registry) Preload(ctx context.Context, defs []*Definition) (int, error) {
	registered := 0
	for _, def := range defs {
		if _, err := r.Register(ctx, def); err != nil {
			if errors.IsAlreadyExists(err) {
				r.logger.Debug(ctx, "workflow already registered, skipping",
					logging.String("workflow_name", def.Name))
				continue
			}
			return registered, fmt.Errorf("preload workflow %q: %w", def.Name, err)
		}
		registered++
	}
	return registered, nil
}
