package core

// registry is the insertion-ordered list of pending tasks of one LaneScheduler.
// It is not safe for concurrent use; the scheduler's mutex guards it.
type registry struct {
	tasks []*Task
}

func (r *registry) add(t *Task) {
	r.tasks = append(r.tasks, t)
}

func (r *registry) indexOf(t *Task) int {
	for i, cur := range r.tasks {
		if cur == t {
			return i
		}
	}
	return -1
}

func (r *registry) contains(t *Task) bool {
	return r.indexOf(t) >= 0
}

// remove deletes t, keeping the order of the others.
func (r *registry) remove(t *Task) bool {
	i := r.indexOf(t)
	if i < 0 {
		return false
	}
	r.removeAt(i)
	return true
}

func (r *registry) removeAt(i int) {
	copy(r.tasks[i:], r.tasks[i+1:])
	r.tasks[len(r.tasks)-1] = nil
	r.tasks = r.tasks[:len(r.tasks)-1]
}

// laneBusy reports whether a task of lane has already been handed to the executor.
func (r *registry) laneBusy(lane string) bool {
	for _, t := range r.tasks {
		if t.executionAsked && t.lane == lane {
			return true
		}
	}
	return false
}

// take removes and returns the first task of lane, in registration order.
func (r *registry) take(lane string) *Task {
	for i, t := range r.tasks {
		if t.lane == lane {
			r.removeAt(i)
			return t
		}
	}
	return nil
}

// matchingReverse returns the tasks carrying id, last registered first.
func (r *registry) matchingReverse(id string) []*Task {
	var out []*Task
	for i := len(r.tasks) - 1; i >= 0; i-- {
		if r.tasks[i].id == id {
			out = append(out, r.tasks[i])
		}
	}
	return out
}

func (r *registry) len() int {
	return len(r.tasks)
}

func (r *registry) clear() []*Task {
	out := r.tasks
	r.tasks = nil
	return out
}
