// Package types provides core types used across the agentloop runtime.
// This package has ZERO dependencies on other agentloop packages to avoid
// circular imports. All other packages should import types from here.
package types
