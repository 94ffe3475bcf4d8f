package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"ControlAgent/internal/agentclient"
	xerrors "ControlAgent/internal/errors"
	"ControlAgent/internal/observability/metrics"
	"ControlAgent/pkg/envelope"
	"ControlAgent/pkg/logger"
)

// ChatMessage 是聊天记录中的一条消息。转发给生成代理时保留原始 JSON，
// 这里只解析检索需要的字段。
type ChatMessage struct {
	Role   string `json:"role,omitempty"`
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
}

// Chat 接受 JSON 数组，或是内容为 JSON 数组的字符串。
type Chat []json.RawMessage

// UnmarshalJSON implements json.Unmarshaler.
func (c *Chat) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return err
		}
		if encoded == "" {
			*c = nil
			return nil
		}
		data = []byte(encoded)
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return errors.New("chat must be an array of messages")
	}
	*c = messages
	return nil
}

// Last 解析最后一条消息。
func (c Chat) Last() (ChatMessage, error) {
	if len(c) == 0 {
		return ChatMessage{}, errors.New("chat is empty")
	}
	var msg ChatMessage
	if err := json.Unmarshal(c[len(c)-1], &msg); err != nil {
		return ChatMessage{}, err
	}
	return msg, nil
}

type queryRequest struct {
	User     string `json:"user"`
	Pass     string `json:"pass"`
	Database string `json:"database"`
	Chat     Chat   `json:"chat"`
}

type retrievalRequest struct {
	LastMessage string `json:"last_message"`
	Database    string `json:"database"`
}

type generationRequest struct {
	Chat    Chat   `json:"chat"`
	Context string `json:"context"`
}

// QueryConfig 汇总 QueryPipeline 的依赖。
type QueryConfig struct {
	Codec           *envelope.Codec
	Verifier        CredentialVerifier
	Registry        SlotRegistry
	DocumentAgent   AgentCaller
	GenerationAgent AgentCaller
}

// Query 执行 Authenticate&Validate → ResolveSlot → FetchContext → Generate → Respond。
type Query struct {
	cfg QueryConfig
}

// NewQuery 校验依赖并创建 Query。
func NewQuery(cfg QueryConfig) (*Query, error) {
	if cfg.Codec == nil || cfg.Verifier == nil || cfg.Registry == nil || cfg.DocumentAgent == nil || cfg.GenerationAgent == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "query pipeline 缺少依赖")
	}
	return &Query{cfg: cfg}, nil
}

// Run 处理一次对话请求，返回以 default 作用域重新加密的生成结果。
func (p *Query) Run(ctx context.Context, env envelope.Envelope) (out envelope.Envelope, err error) {
	defer func() {
		metrics.RecordPipelineRun("query", outcome(err))
	}()
	log := logger.Component(ctx, "query")

	var req queryRequest
	if err := openRequest(p.cfg.Codec, env, &req); err != nil {
		return envelope.Envelope{}, err
	}
	// 凭据与槽位表使用同一个规范化的用户名。
	req.User = strings.TrimSpace(req.User)
	if err := authenticate(ctx, p.cfg.Verifier, req.User, req.Pass); err != nil {
		return envelope.Envelope{}, err
	}
	if err := missingFields(
		requiredField{"user", !isBlank(req.User)},
		requiredField{"pass", req.Pass != ""},
		requiredField{"database", !isBlank(req.Database)},
		requiredField{"chat", len(req.Chat) > 0},
	); err != nil {
		return envelope.Envelope{}, err
	}
	last, err := req.Chat.Last()
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodeValidationFailed, err, "malformed chat message", xerrors.WithFields("chat"))
	}

	idx, err := resolveSlot(req.Database)
	if err != nil {
		return envelope.Envelope{}, err
	}
	databaseID, ok, err := p.cfg.Registry.Get(ctx, req.User, idx)
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "")
	}
	if !ok {
		return envelope.Envelope{}, xerrors.New(xerrors.CodeSlotResolutionFailed, "database slot is not bound", xerrors.WithFields("database"))
	}

	// 第一跳：检索上下文。
	sealed, err := p.cfg.Codec.Seal(retrievalRequest{LastMessage: last.Text, Database: databaseID}, envelope.ScopeDocument)
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodeUnknown, err, "加密检索请求失败")
	}
	reply, err := p.cfg.DocumentAgent.Call(ctx, agentclient.EndpointRetrieval, sealed)
	if err != nil {
		return envelope.Envelope{}, asUpstream(err)
	}
	retrieved, err := p.cfg.Codec.OpenRaw(reply, envelope.ScopeDocument)
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodeUpstreamFailed, err, "文档代理返回的信封无法解密")
	}

	// 第二跳：生成回答。
	sealed, err = p.cfg.Codec.Seal(generationRequest{Chat: req.Chat, Context: string(retrieved)}, envelope.ScopeGeneration)
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodeUnknown, err, "加密生成请求失败")
	}
	reply, err = p.cfg.GenerationAgent.Call(ctx, agentclient.EndpointGeneration, sealed)
	if err != nil {
		return envelope.Envelope{}, asUpstream(err)
	}
	generated, err := p.cfg.Codec.OpenRaw(reply, envelope.ScopeGeneration)
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodeUpstreamFailed, err, "生成代理返回的信封无法解密")
	}

	out, err = p.cfg.Codec.SealRaw(generated, envelope.ScopeDefault)
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodeUnknown, err, "加密回答失败")
	}
	log.Info("对话已完成", "user", req.User, "slot", idx.String(), "messages", len(req.Chat))
	return out, nil
}
