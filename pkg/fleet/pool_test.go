package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"go.uber.org/zap"
)

type testStore struct {
	lock   sync.Mutex
	values map[string]DesiredState
	err    error
	// called after every read
	onGet func()
}

func newTestStore() *testStore {
	return &testStore{values: make(map[string]DesiredState)}
}

func (s *testStore) Put(ctx context.Context, agentID string, state DesiredState) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.err != nil {
		return s.err
	}
	s.values[agentID] = state
	return nil
}

func (s *testStore) Get(ctx context.Context, agentID string) (DesiredState, bool, error) {
	s.lock.Lock()
	state, ok := s.values[agentID]
	onGet := s.onGet
	s.lock.Unlock()

	if onGet != nil {
		onGet()
	}
	return state, ok, nil
}

type testSink struct {
	lock      sync.Mutex
	delivered []DesiredState
}

func (s *testSink) Deliver(state DesiredState) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.delivered = append(s.delivered, state)
	return true
}

func (s *testSink) commands() []DesiredState {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]DesiredState(nil), s.delivered...)
}

func status(total, busy int) SlotAggregatedStatusSnapshot {
	return SlotAggregatedStatusSnapshot{SlotsTotal: total, SlotsBusy: busy, Model: "test-model"}
}

func TestPool(t *testing.T) {
	Convey("Given an empty pool", t, func() {
		ctx := context.Background()
		store := newTestStore()
		pool := NewPool(zap.NewNop(), store)
		sink := &testSink{}

		Convey("The snapshot is empty", func() {
			snapshot, err := pool.MakeSnapshot()
			So(err, ShouldBeNil)
			So(snapshot.Agents, ShouldBeEmpty)
			So(snapshot.AgentCount, ShouldEqual, 0)
		})

		Convey("Updating an unregistered agent fails with ErrNotFound", func() {
			err := pool.UpdateStatus(ctx, "ghost", status(4, 1))
			So(errors.Is(err, ErrNotFound), ShouldBeTrue)

			snapshot, _ := pool.MakeSnapshot()
			So(snapshot.Agents, ShouldBeEmpty)
		})

		Convey("Setting the desired state of an unregistered agent fails with ErrNotFound", func() {
			err := pool.SetDesiredState(ctx, "ghost", DesiredStateDraining)
			So(errors.Is(err, ErrNotFound), ShouldBeTrue)
		})

		Convey("Removing an unregistered agent is a no-op", func() {
			pool.Remove("ghost")
			So(pool.Deregister("ghost", sink), ShouldBeFalse)
		})

		Convey("When an agent is registered", func() {
			desired, err := pool.Register(ctx, "a", "agent-a", status(4, 0), sink)
			So(err, ShouldBeNil)
			So(desired, ShouldEqual, DesiredStateActive)

			Convey("It appears in the snapshot", func() {
				snapshot, err := pool.MakeSnapshot()
				So(err, ShouldBeNil)
				So(snapshot.AgentCount, ShouldEqual, 1)
				So(snapshot.Agents[0].ID, ShouldEqual, "a")
				So(snapshot.Agents[0].Name, ShouldEqual, "agent-a")
				So(snapshot.Agents[0].DesiredState, ShouldEqual, DesiredStateActive)
				So(snapshot.SlotsTotal, ShouldEqual, 4)
			})

			Convey("The last status update wins", func() {
				for busy := 0; busy < 4; busy++ {
					So(pool.UpdateStatus(ctx, "a", status(4, busy)), ShouldBeNil)
				}
				agent, err := pool.Get("a")
				So(err, ShouldBeNil)
				So(agent.Status.SlotsBusy, ShouldEqual, 3)
				So(sink.commands(), ShouldBeEmpty)
			})

			Convey("A busy count beyond capacity drains the agent", func() {
				So(pool.UpdateStatus(ctx, "a", status(4, 5)), ShouldBeNil)
				So(sink.commands(), ShouldResemble, []DesiredState{DesiredStateDraining})

				agent, _ := pool.Get("a")
				So(agent.DesiredState, ShouldEqual, DesiredStateDraining)
				So(store.values["a"], ShouldEqual, DesiredStateDraining)
			})

			Convey("Setting the desired state persists it and notifies the session", func() {
				So(pool.SetDesiredState(ctx, "a", DesiredStateDraining), ShouldBeNil)
				So(store.values["a"], ShouldEqual, DesiredStateDraining)
				So(sink.commands(), ShouldResemble, []DesiredState{DesiredStateDraining})

				Convey("An idle draining agent is stopped exactly once", func() {
					So(pool.UpdateStatus(ctx, "a", status(4, 0)), ShouldBeNil)
					So(pool.UpdateStatus(ctx, "a", status(4, 0)), ShouldBeNil)
					So(sink.commands(), ShouldResemble, []DesiredState{DesiredStateDraining, DesiredStateStopped})

					agent, _ := pool.Get("a")
					So(agent.DesiredState, ShouldEqual, DesiredStateStopped)
				})

				Convey("A busy draining agent is left alone", func() {
					So(pool.UpdateStatus(ctx, "a", status(4, 2)), ShouldBeNil)
					So(sink.commands(), ShouldResemble, []DesiredState{DesiredStateDraining})
				})
			})

			Convey("A store failure leaves the record untouched", func() {
				store.err = errors.New("disk full")
				err := pool.SetDesiredState(ctx, "a", DesiredStateStopped)
				So(err, ShouldNotBeNil)

				agent, _ := pool.Get("a")
				So(agent.DesiredState, ShouldEqual, DesiredStateActive)
				So(sink.commands(), ShouldBeEmpty)
			})

			Convey("An invalid desired state is rejected", func() {
				So(pool.SetDesiredState(ctx, "a", DesiredState("paused")), ShouldNotBeNil)
			})

			Convey("Registering the same id again replaces the record", func() {
				newSink := &testSink{}
				_, err := pool.Register(ctx, "a", "agent-a2", status(8, 1), newSink)
				So(err, ShouldBeNil)

				agent, _ := pool.Get("a")
				So(agent.Name, ShouldEqual, "agent-a2")
				So(agent.Status.SlotsTotal, ShouldEqual, 8)

				Convey("The stale session cannot deregister it", func() {
					So(pool.Deregister("a", sink), ShouldBeFalse)
					_, err := pool.Get("a")
					So(err, ShouldBeNil)

					So(pool.Deregister("a", newSink), ShouldBeTrue)
					_, err = pool.Get("a")
					So(errors.Is(err, ErrNotFound), ShouldBeTrue)
				})
			})

			Convey("A desired state change racing a reconnect reaches the new session", func() {
				newSink := &testSink{}
				done := make(chan error, 1)
				var once sync.Once
				store.onGet = func() {
					once.Do(func() {
						go func() {
							done <- pool.SetDesiredState(ctx, "a", DesiredStateDraining)
						}()
						// let the operator request run before the record is replaced
						time.Sleep(20 * time.Millisecond)
					})
				}

				_, err := pool.Register(ctx, "a", "agent-a", status(4, 1), newSink)
				So(err, ShouldBeNil)
				So(<-done, ShouldBeNil)

				agent, err := pool.Get("a")
				So(err, ShouldBeNil)
				So(agent.DesiredState, ShouldEqual, DesiredStateDraining)
				So(store.values["a"], ShouldEqual, DesiredStateDraining)
				So(newSink.commands(), ShouldResemble, []DesiredState{DesiredStateDraining})
				So(sink.commands(), ShouldBeEmpty)
			})

			Convey("Removing and re-registering recovers only the desired state", func() {
				So(pool.UpdateStatus(ctx, "a", status(4, 3)), ShouldBeNil)
				So(pool.SetDesiredState(ctx, "a", DesiredStateDraining), ShouldBeNil)
				pool.Remove("a")
				pool.Remove("a")

				desired, err := pool.DesiredStateOf(ctx, "a")
				So(err, ShouldBeNil)
				So(desired, ShouldEqual, DesiredStateDraining)

				desired, err = pool.Register(ctx, "a", "agent-a", status(4, 1), sink)
				So(err, ShouldBeNil)
				So(desired, ShouldEqual, DesiredStateDraining)
				agent, _ := pool.Get("a")
				So(agent.Status.SlotsBusy, ShouldEqual, 1)
				So(agent.DesiredState, ShouldEqual, DesiredStateDraining)
			})

			Convey("After closing, the pool is unavailable", func() {
				pool.Close()
				_, err := pool.MakeSnapshot()
				So(errors.Is(err, ErrUnavailable), ShouldBeTrue)
				So(errors.Is(pool.UpdateStatus(ctx, "a", status(4, 1)), ErrUnavailable), ShouldBeTrue)
				_, err = pool.Register(ctx, "b", "", status(1, 0), sink)
				So(errors.Is(err, ErrUnavailable), ShouldBeTrue)

				pool.Remove("a")
				So(pool.Deregister("a", sink), ShouldBeFalse)

				pool.lock.RLock()
				_, ok := pool.records["a"]
				pool.lock.RUnlock()
				So(ok, ShouldBeTrue)
			})
		})

		Convey("An unknown agent defaults to active", func() {
			desired, err := pool.DesiredStateOf(ctx, "fresh")
			So(err, ShouldBeNil)
			So(desired, ShouldEqual, DesiredStateActive)
		})

		Convey("Concurrent updates of distinct agents are all visible", func() {
			const n = 32
			for i := 0; i < n; i++ {
				_, err := pool.Register(ctx, fmt.Sprintf("agent-%02d", i), "", status(2, 0), &testSink{})
				So(err, ShouldBeNil)
			}

			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs <- pool.UpdateStatus(ctx, fmt.Sprintf("agent-%02d", i), status(2, 1))
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				So(err, ShouldBeNil)
			}

			snapshot, err := pool.MakeSnapshot()
			So(err, ShouldBeNil)
			So(snapshot.AgentCount, ShouldEqual, n)
			So(snapshot.SlotsBusy, ShouldEqual, n)
			So(snapshot.Agents[0].ID, ShouldEqual, "agent-00")
		})
	})
}
