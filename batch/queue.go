package batch

import "sync"

type Job struct {
	Run    func() error
	OnFail func(error)
}

// Queue feeds jobs to a fixed number of runners. Each runner works through
// its jobs one at a time.
type Queue struct {
	jobs chan Job
	wg   sync.WaitGroup
}

func NewQueue(size int) *Queue {
	return &Queue{
		jobs: make(chan Job, size),
	}
}

func (q *Queue) Enqueue(job Job) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

func (q *Queue) StartRunners(n int) {
	for range max(n, 1) {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				if err := job.Run(); err != nil {
					if job.OnFail != nil {
						job.OnFail(err)
					}
				}
			}
		}()
	}
}

// Close stops accepting jobs and waits for the runners to drain the queue.
func (q *Queue) Close() {
	close(q.jobs)
	q.wg.Wait()
}
