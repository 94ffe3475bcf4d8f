// Package api exposes the gateway's HTTP surface: the two encrypted pipeline
// endpoints, a health probe and, optionally, Prometheus metrics.
package api
