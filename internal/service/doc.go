// Package service runs the jobs of a configuration in a worker pool.
//
// In the manual mode the jobs run once and Do returns. In the timer mode a
// gocron scheduler triggers a batch according to service.schedule until the
// context is canceled; Start triggers a batch out of the schedule.
//
// A batch runs every job repeat times, results are collected as Records and
// written as JSON lines to every uploader: stdout by default, a file in
// service.dir and the repository.
//
//	Service              parallel.Map            pool.Pool
//	   | batch ------------->| Run(task) ----------->| worker process
//	   |                     |<------ Future --------|
//	   |<----- Record -------|                       |
//	   | upload
package service
