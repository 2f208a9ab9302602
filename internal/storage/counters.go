package storage

// Usage is a point-in-time view of the counters relevant to one owner.
type Usage struct {
	InstanceActive    int
	OwnerActive       int
	InstanceResources int
	OwnerResources    int
}

// Counters is a snapshot of the instance-wide and per-owner counters.
type Counters struct {
	InstanceActive    int            `json:"instanceActive"`
	OwnerActive       map[string]int `json:"ownerActive"`
	InstanceResources int            `json:"instanceResources"`
	OwnerResources    map[string]int `json:"ownerResources"`
}

// Guard inspects usage while the counter lock is held and returns a non-nil
// error to refuse the operation.
type Guard func(Usage) error

// liveCounters is guarded by Registry.counterMu.
type liveCounters struct {
	instanceActive    int
	ownerActive       map[string]int
	instanceResources int
	ownerResources    map[string]int
}

func newLiveCounters() liveCounters {
	return liveCounters{
		ownerActive:    make(map[string]int),
		ownerResources: make(map[string]int),
	}
}

func (c *liveCounters) usage(ownerID string) Usage {
	return Usage{
		InstanceActive:    c.instanceActive,
		OwnerActive:       c.ownerActive[ownerID],
		InstanceResources: c.instanceResources,
		OwnerResources:    c.ownerResources[ownerID],
	}
}

func (c *liveCounters) addActive(ownerID string, delta int) {
	c.instanceActive = clampCount(c.instanceActive + delta)
	next := clampCount(c.ownerActive[ownerID] + delta)
	if next == 0 {
		delete(c.ownerActive, ownerID)
	} else {
		c.ownerActive[ownerID] = next
	}
}

func (c *liveCounters) addResources(ownerID string, delta int) {
	c.instanceResources = clampCount(c.instanceResources + delta)
	next := clampCount(c.ownerResources[ownerID] + delta)
	if next == 0 {
		delete(c.ownerResources, ownerID)
	} else {
		c.ownerResources[ownerID] = next
	}
}

func (c *liveCounters) snapshot() Counters {
	out := Counters{
		InstanceActive:    c.instanceActive,
		OwnerActive:       make(map[string]int, len(c.ownerActive)),
		InstanceResources: c.instanceResources,
		OwnerResources:    make(map[string]int, len(c.ownerResources)),
	}
	for owner, count := range c.ownerActive {
		out.OwnerActive[owner] = count
	}
	for owner, count := range c.ownerResources {
		out.OwnerResources[owner] = count
	}
	return out
}

func clampCount(value int) int {
	if value < 0 {
		return 0
	}
	return value
}
