package collector

import "fmt"

// Partition splits tasks into k shards by index mod k. Tasks keep their
// relative order inside each shard.
func Partition(tasks []Task, k int) ([]Shard, error) {
	if k <= 0 {
		return nil, Configf("shard count must be > 0, got %d", k)
	}
	shards := make([]Shard, k)
	for i := range shards {
		shards[i] = Shard{Index: i, Count: k}
	}
	for _, task := range tasks {
		if task.Index < 0 {
			return nil, fmt.Errorf("task %q has negative index %d", task.ID, task.Index)
		}
		slot := task.Index % k
		shards[slot].Tasks = append(shards[slot].Tasks, task)
	}
	return shards, nil
}

// Reindex assigns sequential indexes to tasks in list order and fills in
// missing IDs.
func Reindex(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	for i, task := range tasks {
		task.Index = i
		if task.ID == "" {
			task.ID = fmt.Sprintf("task-%04d", i)
		}
		out[i] = task
	}
	return out
}
