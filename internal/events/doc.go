// Package events publishes settlement and task lifecycle events to
// subscribers inside the process and, when configured, to RabbitMQ.
package events
