// Package pipeline implements the two request flows of the gateway: building
// a retrieval database from uploaded files, and answering a chat message
// against a previously built database.
package pipeline

import (
	"context"
	"errors"
	"strings"

	"ControlAgent/internal/auth"
	xerrors "ControlAgent/internal/errors"
	"ControlAgent/internal/reclaim"
	"ControlAgent/internal/slot"
	"ControlAgent/pkg/envelope"
)

// CredentialVerifier 校验用户名与密码。
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) error
}

// SlotRegistry 读写用户槽位。
type SlotRegistry interface {
	Get(ctx context.Context, username string, idx slot.Index) (string, bool, error)
	Bind(ctx context.Context, username string, idx slot.Index, databaseID string) (string, bool, error)
}

// AgentCaller 向下游代理发送一个信封并取回回复。
type AgentCaller interface {
	Call(ctx context.Context, endpoint string, env envelope.Envelope) (envelope.Envelope, error)
}

// Reclaimer 回收被替换下来的远端数据库。
type Reclaimer interface {
	Reclaim(ctx context.Context, job reclaim.Job) reclaim.Outcome
}

// openRequest 以 default 作用域解密客户端信封。解密或解析失败统一视为载荷错误，
// 不会部分信任解出的内容。
func openRequest(codec *envelope.Codec, env envelope.Envelope, v any) error {
	if err := codec.Open(env, envelope.ScopeDefault, v); err != nil {
		return xerrors.Wrap(xerrors.CodePayloadDecodeFailed, err, "")
	}
	return nil
}

// authenticate 在用户名与密码都存在时校验凭据；缺失字段交给后续校验报告。
func authenticate(ctx context.Context, verifier CredentialVerifier, username, password string) error {
	if isBlank(username) || password == "" {
		return nil
	}
	err := verifier.Verify(ctx, username, password)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrInvalidCredentials):
		return xerrors.New(xerrors.CodeAuthenticationFailed, "Invalid credentials")
	default:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "校验凭据失败")
	}
}

type requiredField struct {
	name    string
	present bool
}

// missingFields 按声明顺序报告全部缺失字段，而不只是第一个。
func missingFields(fields ...requiredField) error {
	var missing []string
	for _, f := range fields {
		if !f.present {
			missing = append(missing, f.name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeValidationFailed, "missing required fields", xerrors.WithFields(missing...))
}

func resolveSlot(name string) (slot.Index, error) {
	idx := slot.Resolve(name)
	if !idx.Valid() {
		return slot.Invalid, xerrors.New(xerrors.CodeSlotResolutionFailed, "unknown database slot", xerrors.WithFields("database"))
	}
	return idx, nil
}

// asUpstream 保证下游调用失败统一以 CodeUpstreamFailed 报告。
func asUpstream(err error) error {
	if xerrors.HasCode(err, xerrors.CodeUpstreamFailed) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailed, err, "")
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
