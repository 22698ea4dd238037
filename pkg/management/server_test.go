package management

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oursky/inference-balancer/pkg/fleet"
	"github.com/oursky/inference-balancer/pkg/protocol"
	"github.com/oursky/inference-balancer/pkg/session"
	"github.com/oursky/inference-balancer/pkg/statestore"
	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

const testKey = "0123456789abcdef"

func request(srv *httptest.Server, method string, path string, body string, key string) *http.Response {
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		panic(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	return resp
}

func decode[T any](resp *http.Response) T {
	defer resp.Body.Close()

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		panic(err)
	}
	return v
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestServer(t *testing.T) {
	Convey("Given a management server", t, func() {
		ctx := context.Background()
		store := statestore.NewInMemoryStore()
		pool := fleet.NewPool(zap.NewNop(), store)
		registry := prometheus.NewPedanticRegistry()
		fleet.NewMetrics(pool, registry)

		server := NewServer(zap.NewNop(), &Config{AuthKeys: []string{testKey}}, &session.Config{}, pool, registry)
		srv := httptest.NewServer(server.Handler())
		defer srv.Close()

		Convey("Listing an empty fleet returns an empty snapshot", func() {
			resp := request(srv, "GET", "/api/v1/agents", "", testKey)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			snapshot := decode[fleet.FleetSnapshot](resp)
			So(snapshot.Agents, ShouldNotBeNil)
			So(snapshot.Agents, ShouldBeEmpty)
		})

		Convey("Requests without a valid key are rejected", func() {
			resp := request(srv, "GET", "/api/v1/agents", "", "")
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)

			resp = request(srv, "GET", "/api/v1/agents", "", "wrong-key-wrong-key")
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("Unknown agents are not found", func() {
			resp := request(srv, "GET", "/api/v1/agents/ghost", "", testKey)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)

			resp = request(srv, "PUT", "/api/v1/agents/ghost/desired_state", `{"desired_state":"draining"}`, testKey)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
		})

		Convey("Given a registered agent", func() {
			_, err := pool.Register(ctx, "a", "agent-a", fleet.SlotAggregatedStatusSnapshot{SlotsTotal: 4, SlotsBusy: 1}, nil)
			So(err, ShouldBeNil)

			Convey("It is listed", func() {
				snapshot := decode[fleet.FleetSnapshot](request(srv, "GET", "/api/v1/agents", "", testKey))
				So(snapshot.AgentCount, ShouldEqual, 1)
				So(snapshot.SlotsBusy, ShouldEqual, 1)
				So(snapshot.Agents[0].ID, ShouldEqual, "a")

				agent := decode[fleet.AgentSnapshot](request(srv, "GET", "/api/v1/agents/a", "", testKey))
				So(agent.Name, ShouldEqual, "agent-a")
				So(agent.DesiredState, ShouldEqual, fleet.DesiredStateActive)
			})

			Convey("Its desired state can be changed", func() {
				resp := request(srv, "PUT", "/api/v1/agents/a/desired_state", `{"desired_state":"draining"}`, testKey)
				resp.Body.Close()
				So(resp.StatusCode, ShouldEqual, http.StatusNoContent)

				state, ok, err := store.Get(ctx, "a")
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(state, ShouldEqual, fleet.DesiredStateDraining)
			})

			Convey("Invalid desired states are rejected", func() {
				for _, body := range []string{`{"desired_state":"paused"}`, `{}`, `not json`} {
					resp := request(srv, "PUT", "/api/v1/agents/a/desired_state", body, testKey)
					resp.Body.Close()
					So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
				}

				agent, _ := pool.Get("a")
				So(agent.DesiredState, ShouldEqual, fleet.DesiredStateActive)
			})

			Convey("It is exported as metrics", func() {
				resp := request(srv, "GET", "/metrics", "", "")
				defer resp.Body.Close()
				So(resp.StatusCode, ShouldEqual, http.StatusOK)

				families, err := registry.Gather()
				So(err, ShouldBeNil)
				names := map[string]bool{}
				for _, f := range families {
					names[f.GetName()] = true
				}
				So(names["inference_balancer_agents"], ShouldBeTrue)
				So(names["inference_balancer_agent_slots_busy"], ShouldBeTrue)
			})
		})

		Convey("When the pool is closed, listing fails", func() {
			pool.Close()
			resp := request(srv, "GET", "/api/v1/agents", "", testKey)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusInternalServerError)
		})

		Convey("With agent keys configured, the socket requires one", func() {
			keyed := NewServer(zap.NewNop(), &Config{AgentAuthKeys: []string{testKey}}, &session.Config{}, pool, registry)
			keyedSrv := httptest.NewServer(keyed.Handler())
			defer keyedSrv.Close()
			url := "ws" + strings.TrimPrefix(keyedSrv.URL, "http") + "/api/v1/agent_socket"

			_, resp, err := websocket.DefaultDialer.Dial(url, nil)
			So(err, ShouldEqual, websocket.ErrBadHandshake)
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)

			header := http.Header{}
			header.Set("Authorization", "Bearer "+testKey)
			conn, _, err := websocket.DefaultDialer.Dial(url, header)
			So(err, ShouldBeNil)
			conn.Close()
		})

		Convey("An agent connected to the socket", func() {
			url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/agent_socket"
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			So(err, ShouldBeNil)
			defer conn.Close()

			id, name := "gpu-1", "gpu node"
			data, err := protocol.Encode(protocol.RegisterAgentParams{
				AgentID:                      &id,
				Name:                         &name,
				SlotAggregatedStatusSnapshot: fleet.SlotAggregatedStatusSnapshot{SlotsTotal: 2, SlotsBusy: 1},
			})
			So(err, ShouldBeNil)
			So(conn.WriteMessage(websocket.TextMessage, data), ShouldBeNil)

			Convey("Is registered in the pool", func() {
				So(eventually(func() bool {
					_, err := pool.Get(id)
					return err == nil
				}), ShouldBeTrue)

				snapshot := decode[fleet.FleetSnapshot](request(srv, "GET", "/api/v1/agents", "", testKey))
				So(snapshot.Agents[0].Name, ShouldEqual, name)
			})

			Convey("Receives set_state when drained by an operator", func() {
				So(eventually(func() bool {
					_, err := pool.Get(id)
					return err == nil
				}), ShouldBeTrue)

				resp := request(srv, "PUT", "/api/v1/agents/"+id+"/desired_state", `{"desired_state":"draining"}`, testKey)
				resp.Body.Close()
				So(resp.StatusCode, ShouldEqual, http.StatusNoContent)

				So(conn.SetReadDeadline(time.Now().Add(2*time.Second)), ShouldBeNil)
				messageType, data, err := conn.ReadMessage()
				So(err, ShouldBeNil)
				So(messageType, ShouldEqual, websocket.TextMessage)

				msg, err := protocol.Decode(data)
				So(err, ShouldBeNil)
				So(msg, ShouldResemble, protocol.SetStateParams{DesiredState: fleet.DesiredStateDraining})
			})

			Convey("Is removed when it disconnects", func() {
				So(eventually(func() bool {
					_, err := pool.Get(id)
					return err == nil
				}), ShouldBeTrue)

				So(conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")), ShouldBeNil)
				So(eventually(func() bool {
					snapshot, err := pool.MakeSnapshot()
					return err == nil && snapshot.AgentCount == 0
				}), ShouldBeTrue)
			})

			Convey("Is disconnected on a protocol violation", func() {
				So(conn.WriteMessage(websocket.TextMessage, data), ShouldBeNil)

				So(conn.SetReadDeadline(time.Now().Add(2*time.Second)), ShouldBeNil)
				_, _, err := conn.ReadMessage()
				So(websocket.IsCloseError(err, websocket.ClosePolicyViolation), ShouldBeTrue)
			})
		})
	})
}
