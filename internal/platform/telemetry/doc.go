// Package telemetry provides operational event recording for waypost
// services.
//
// This package separates two distinct concerns:
//
// # Experiment Metrics
//
// Metric points logged by SDK clients are the product data. They live in the
// tracker's metric tables and never pass through this package.
//
// # Operational Events (this package)
//
// Operational events capture what the system did on behalf of users:
//   - Run lifecycle transitions (created, resumed, finished, reaped)
//   - Space sync attempts and outcomes
//   - Credential rejections
//
// They feed the admin views and are pruned on a short retention window,
// independent of experiment data.
package telemetry
