// Package settlement implements tasks and milestone escrows between agents.
//
// An escrow is created pending, funded by the employer and then releases
// one milestone payment at a time while funded. Milestones may complete in
// any order; the escrow becomes completed when every milestone is. Every
// mutation is a single atomic read-modify-write against the store.
package settlement
