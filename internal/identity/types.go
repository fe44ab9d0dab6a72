package identity

import (
	"net/http"

	xerrors "OpenClaw-Gateway/internal/errors"
)

const (
	CodeAgentExists        xerrors.Code = "AGENT_ALREADY_REGISTERED"
	CodeAgentNotFound      xerrors.Code = "AGENT_NOT_FOUND"
	CodeRegistryMissing    xerrors.Code = "REGISTRY_NOT_DEPLOYED"
	CodeTokenNotIssued     xerrors.Code = "TOKEN_NOT_ISSUED"
	CodeRegistrationFailed xerrors.Code = "REGISTRATION_FAILED"
)

func init() {
	xerrors.Register(CodeAgentExists, xerrors.Attributes{Message: "agent already registered", Severity: xerrors.SeverityWarning, Status: http.StatusConflict})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{Message: "agent not found", Severity: xerrors.SeverityInfo, Status: http.StatusNotFound})
	xerrors.Register(CodeRegistryMissing, xerrors.Attributes{Message: "identity registry not deployed", Severity: xerrors.SeverityWarning, Status: http.StatusConflict})
	xerrors.Register(CodeTokenNotIssued, xerrors.Attributes{Message: "agent token not issued", Severity: xerrors.SeverityWarning, Status: http.StatusConflict})
	xerrors.Register(CodeRegistrationFailed, xerrors.Attributes{Message: "identity transaction failed", Severity: xerrors.SeverityCritical, Alert: true, Status: http.StatusBadGateway})
}

// 合约回滚原因，模拟器运行时与链上合约保持一致。
const (
	reasonNotOwner      = "caller is not the owner"
	reasonWrongFee      = "wrong issue fee"
	reasonTokenIssued   = "token already issued"
	reasonTokenMissing  = "token not issued"
	reasonAgentExists   = "agent already registered"
	reasonAgentNotFound = "agent not found"
	reasonEmptyName     = "empty agent name"
)

// Metadata 是代理的键值元数据。
type Metadata struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Service 描述代理对外提供的服务端点。
type Service struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// AgentIdentity 是链上登记的代理资料。
type AgentIdentity struct {
	RecordID  uint64     `json:"recordId,omitempty"`
	Name      string     `json:"name"`
	URI       string     `json:"uri"`
	PublicKey [32]byte   `json:"-"`
	Owner     string     `json:"owner,omitempty"`
	Metadata  []Metadata `json:"metadata"`
	Services  []Service  `json:"services"`
}
