package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"ControlAgent/internal/agentclient"
	xerrors "ControlAgent/internal/errors"
	"ControlAgent/internal/observability/metrics"
	"ControlAgent/internal/reclaim"
	"ControlAgent/internal/staging"
	"ControlAgent/pkg/envelope"
	"ControlAgent/pkg/logger"
)

// FileUpload 是请求与下游清单中的单个文件，content 为十六进制编码。
type FileUpload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type ingestRequest struct {
	User     string       `json:"user"`
	Pass     string       `json:"pass"`
	Database string       `json:"database"`
	Files    []FileUpload `json:"files"`
}

type manifest struct {
	Files []FileUpload `json:"files"`
}

type createResponse struct {
	DatabaseID string `json:"database_id"`
}

// IngestConfig 汇总 IngestPipeline 的依赖。
type IngestConfig struct {
	Codec         *envelope.Codec
	Verifier      CredentialVerifier
	Registry      SlotRegistry
	DocumentAgent AgentCaller
	Staging       *staging.Manager
	Reclaimer     Reclaimer
	// BindTimeout 限制创建成功后写入槽位的时间，默认 10 秒。
	BindTimeout time.Duration
}

// Ingest 执行 Authenticate → Validate → Stage → Relay → Bind&Reclaim → Cleanup。
type Ingest struct {
	cfg IngestConfig
}

// NewIngest 校验依赖并创建 Ingest。Reclaimer 可以为空，此时旧数据库只记录日志。
func NewIngest(cfg IngestConfig) (*Ingest, error) {
	if cfg.Codec == nil || cfg.Verifier == nil || cfg.Registry == nil || cfg.DocumentAgent == nil || cfg.Staging == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "ingest pipeline 缺少依赖")
	}
	if cfg.BindTimeout <= 0 {
		cfg.BindTimeout = 10 * time.Second
	}
	return &Ingest{cfg: cfg}, nil
}

// Run 处理一次建库请求。返回 nil 表示槽位已指向新的远端数据库。
func (p *Ingest) Run(ctx context.Context, env envelope.Envelope) (err error) {
	defer func() {
		metrics.RecordPipelineRun("ingest", outcome(err))
	}()
	log := logger.Component(ctx, "ingest")

	var req ingestRequest
	if err := openRequest(p.cfg.Codec, env, &req); err != nil {
		return err
	}
	// 凭据与槽位表使用同一个规范化的用户名。
	req.User = strings.TrimSpace(req.User)
	if err := authenticate(ctx, p.cfg.Verifier, req.User, req.Pass); err != nil {
		return err
	}
	if err := missingFields(
		requiredField{"user", !isBlank(req.User)},
		requiredField{"pass", req.Pass != ""},
		requiredField{"database", !isBlank(req.Database)},
		requiredField{"files", len(req.Files) > 0},
	); err != nil {
		return err
	}
	idx, err := resolveSlot(req.Database)
	if err != nil {
		return err
	}

	area, err := p.cfg.Staging.Create()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStagingFailure, err, "")
	}
	defer func() {
		if cleanupErr := area.Cleanup(); cleanupErr != nil {
			log.Error("清理暂存目录失败", "path", area.Path(), "error", cleanupErr)
		}
	}()

	if err := stageFiles(area, req.Files); err != nil {
		return err
	}
	staged, err := area.ReadAll()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStagingFailure, err, "")
	}
	out := manifest{Files: make([]FileUpload, 0, len(staged))}
	for _, f := range staged {
		out.Files = append(out.Files, FileUpload{Title: f.Title, Content: hex.EncodeToString(f.Data)})
	}

	sealed, err := p.cfg.Codec.Seal(out, envelope.ScopeDocument)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "加密文件清单失败")
	}
	reply, err := p.cfg.DocumentAgent.Call(ctx, agentclient.EndpointCreateDatabase, sealed)
	if err != nil {
		return asUpstream(err)
	}
	var created createResponse
	if err := p.cfg.Codec.Open(reply, envelope.ScopeDocument, &created); err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailed, err, "文档代理返回的信封无法解密")
	}
	if isBlank(created.DatabaseID) {
		return xerrors.New(xerrors.CodeUpstreamFailed, "文档代理未返回 database_id")
	}

	// 远端数据库已经创建，之后即使客户端断开也要完成绑定，否则新库会成为孤儿。
	bindCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.BindTimeout)
	defer cancel()
	previous, had, err := p.cfg.Registry.Bind(bindCtx, req.User, idx, created.DatabaseID)
	if err != nil {
		log.Error("绑定槽位失败，新数据库未被引用", "user", req.User, "slot", idx.String(), "database_id", created.DatabaseID, "error", err)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "")
	}
	if had {
		job := reclaim.Job{DatabaseID: previous, Username: req.User, Slot: idx.String()}
		if p.cfg.Reclaimer == nil {
			log.Warn("未配置回收服务，旧数据库未删除", "user", req.User, "slot", idx.String(), "database_id", previous)
		} else {
			result := p.cfg.Reclaimer.Reclaim(ctx, job)
			log.Info("旧数据库回收", "user", req.User, "slot", idx.String(), "outcome", string(result))
		}
	}
	log.Info("槽位已更新", "user", req.User, "slot", idx.String(), "files", len(out.Files))
	return nil
}

func stageFiles(area *staging.Area, files []FileUpload) error {
	for i, f := range files {
		data, err := hex.DecodeString(f.Content)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeValidationFailed, fmt.Errorf("file %d: %w", i, err), "file content is not hex encoded",
				xerrors.WithFields("files"))
		}
		if err := area.Write(f.Title, data); err != nil {
			if errors.Is(err, staging.ErrInvalidTitle) {
				return xerrors.Wrap(xerrors.CodeValidationFailed, err, "invalid file title", xerrors.WithFields("files"))
			}
			return xerrors.Wrap(xerrors.CodeStagingFailure, err, "")
		}
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(xerrors.CodeOf(err))
}
