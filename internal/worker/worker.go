package worker

type Worker struct {
	pool       *elasticPool
	jobChannel chan Job
}

func NewWorker(pool *elasticPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			job.execute()
			if !w.pool.Release(w.jobChannel) {
				return
			}
		}
	}()
}
