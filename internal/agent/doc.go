// Package agent keeps the registry of autonomous agents and runs their
// evaluate/execute loop. A Strategy decides what an agent does; the Runtime
// owns scheduling, status bookkeeping and the lifecycle audit trail.
package agent
