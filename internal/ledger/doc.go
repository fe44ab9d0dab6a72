// Package ledger 定义网关访问账本（链）的统一接口、交易视图以及重试策略。
//
// 具体驱动位于子包：simulator 为进程内链模拟器，ethereum 基于 go-ethereum
// 的 JSON-RPC 客户端，provider 负责根据 YAML 链定义组装客户端。
package ledger
