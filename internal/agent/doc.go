// Package agent implements the roles addressed through the event bus. Each
// role consumes task-manager-<role> assignments and answers on
// <role>-task-manager; routing and ordering live in the coordinator.
package agent
