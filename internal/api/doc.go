// Package api serves the gateway's HTTP surface: agent discovery, the
// payment-gated chat flow, payment confirmation, report download, job status
// and live job events, Prometheus metrics and the development simulator.
package api
