// Package llm defines the reasoning client consumed by the observer role and
// a swappable holder so provider settings can change while the process runs.
package llm
