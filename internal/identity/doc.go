// Package identity 负责把网关代理注册到链上身份合约：部署注册合约、发行代理代币、
// 登记代理资料以及按名称查询。
package identity
