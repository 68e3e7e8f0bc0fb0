package worker

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

type Schedule struct {
	NoShowSweepSpec    string
	RolloverSweepSpec  string
	WaitRefreshSpec    string
	OutboxDispatchSpec string
	NoShowBatchSize    int
}

// NewServer builds the asynq server and its routing mux.
func NewServer(redisOpt asynq.RedisClientOpt, w *Worker, concurrency int) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeNoShowSweep, w.HandleNoShowSweep)
	mux.HandleFunc(TypeDailyRollover, w.HandleDailyRollover)
	mux.HandleFunc(TypeWaitRefresh, w.HandleWaitRefresh)
	mux.HandleFunc(TypeOutboxDispatch, w.HandleOutboxDispatch)
	return srv, mux
}

// NewScheduler registers the periodic maintenance tasks. The no-show sweep
// runs on the critical queue so a backlog of refreshes never delays it.
func NewScheduler(redisOpt asynq.RedisClientOpt, schedule Schedule) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt, nil)

	sweepPayload, err := json.Marshal(NoShowSweepPayload{BatchSize: schedule.NoShowBatchSize})
	if err != nil {
		return nil, err
	}
	if _, err := scheduler.Register(schedule.NoShowSweepSpec,
		asynq.NewTask(TypeNoShowSweep, sweepPayload), asynq.Queue("critical")); err != nil {
		return nil, err
	}
	if _, err := scheduler.Register(schedule.RolloverSweepSpec,
		asynq.NewTask(TypeDailyRollover, nil)); err != nil {
		return nil, err
	}
	if _, err := scheduler.Register(schedule.WaitRefreshSpec,
		asynq.NewTask(TypeWaitRefresh, nil), asynq.Queue("low")); err != nil {
		return nil, err
	}
	if _, err := scheduler.Register(schedule.OutboxDispatchSpec,
		asynq.NewTask(TypeOutboxDispatch, nil)); err != nil {
		return nil, err
	}
	return scheduler, nil
}
