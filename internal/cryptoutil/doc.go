// Package cryptoutil provides digest helpers for upload integrity:
// streaming SHA-256 while copying, and constant-time digest comparison.
package cryptoutil
