// Package queue hands jobs to an external work queue and runs what comes back.
//
// A Dispatcher sends each submitted job as a Message. The Bridge polls the
// queue on an interval, executes every valid delivery through a Runner and
// deletes the message only once the job has reached a terminal state, so a
// crash mid-job leads to redelivery instead of loss.
//
// Three backends implement Queue: MemoryQueue for single-process use and
// tests, SQSQueue for Amazon SQS, and NATSQueue for a JetStream work-queue
// stream.
package queue
