// Package events carries task lifecycle notifications from the task manager
// to interested consumers without coupling them to the task package.
//
// The primary components are:
// - TaskEvent: a status change or progress update of one task
// - EventHandler: interface for components that react to events
// - EventEmitter: interface for components that publish events
package events
