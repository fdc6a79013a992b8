package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Hub", func() {
	var h *Hub

	BeforeEach(func() {
		h = newTestHub(Options{})
	})

	Describe("OnConnect", func() {
		It("should register the connection and send a welcome", func() {
			c := newFakeConn("c1")
			h.OnConnect(c)

			Expect(h.ConnectionCount()).To(Equal(1))
			welcome := c.last()
			Expect(welcome["type"]).To(Equal("welcome"))
			Expect(welcome["connectionId"]).To(Equal("c1"))
			Expect(welcome["timestamp"]).To(Equal("2025-03-01T12:00:00.000Z"))
			Expect(welcome).NotTo(HaveKey("topic"))
		})

		It("should keep subscriptions when the same connection registers again", func() {
			c := connected(h, "c1")
			_, err := h.Subscribe(c, "parcel-1")
			Expect(err).NotTo(HaveOccurred())

			h.OnConnect(c)

			Expect(h.ListSubscriptions(c).Topics).To(Equal([]string{"parcel-1"}))
		})
	})

	Describe("Subscribe", func() {
		It("should add the relation to both indexes", func() {
			c := connected(h, "c1")

			ack, err := h.Subscribe(c, "parcel-1")

			Expect(err).NotTo(HaveOccurred())
			Expect(ack.Topic).To(Equal("parcel-1"))
			Expect(h.Stats().TopicSubscriberCounts).To(Equal(map[string]int{"parcel-1": 1}))
			checkInvariant(h)
		})

		It("should be idempotent", func() {
			c := connected(h, "c1")
			_, _ = h.Subscribe(c, "parcel-1")
			_, _ = h.Subscribe(c, "parcel-1")

			Expect(h.PublishTracking("parcel-1", map[string]any{"lat": 1})).To(Equal(1))
			Expect(c.messagesOfType(EventTracking)).To(HaveLen(1))
			checkInvariant(h)
		})

		DescribeTable("should reject invalid topics without mutating state",
			func(topic string) {
				c := connected(h, "c1")
				_, err := h.Subscribe(c, topic)
				Expect(err).To(MatchError(ErrInvalidTopic))
				Expect(h.Stats().TotalTopicsTracked).To(BeZero())
			},
			Entry("empty", ""),
		)

		It("should treat topics as opaque strings", func() {
			c := connected(h, "c1")
			for _, topic := range []string{"   ", " P1 ", "P1"} {
				ack, err := h.Subscribe(c, topic)
				Expect(err).NotTo(HaveOccurred())
				Expect(ack.Topic).To(Equal(topic))
			}
			Expect(h.Stats().TotalTopicsTracked).To(Equal(3))
			checkInvariant(h)
		})

		It("should reject unregistered connections", func() {
			_, err := h.Subscribe(newFakeConn("ghost"), "parcel-1")
			Expect(err).To(MatchError(ErrUnknownConnection))
			Expect(h.Stats().TotalTopicsTracked).To(BeZero())
		})

		It("should accept topics for parcels that do not exist", func() {
			c := connected(h, "c1")
			_, err := h.Subscribe(c, "parcel-that-never-will")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should enforce the per-connection limit", func() {
			h = newTestHub(Options{MaxSubscriptionsPerConn: 2})
			c := connected(h, "c1")
			_, _ = h.Subscribe(c, "a")
			_, _ = h.Subscribe(c, "b")

			_, err := h.Subscribe(c, "c")
			Expect(err).To(MatchError(ErrSubscriptionLimit))

			_, err = h.Subscribe(c, "a")
			Expect(err).NotTo(HaveOccurred(), "re-subscribing an existing topic is not a new subscription")
			checkInvariant(h)
		})
	})

	Describe("Unsubscribe", func() {
		It("should remove the relation and drop empty topics", func() {
			c := connected(h, "c1")
			_, _ = h.Subscribe(c, "parcel-1")

			ack, err := h.Unsubscribe(c, "parcel-1")

			Expect(err).NotTo(HaveOccurred())
			Expect(ack.Topic).To(Equal("parcel-1"))
			Expect(h.Stats().TopicSubscriberCounts).To(BeEmpty())
			checkInvariant(h)
		})

		It("should keep the topic while other subscribers remain", func() {
			c1 := connected(h, "c1")
			c2 := connected(h, "c2")
			_, _ = h.Subscribe(c1, "parcel-1")
			_, _ = h.Subscribe(c2, "parcel-1")

			_, _ = h.Unsubscribe(c1, "parcel-1")

			Expect(h.Stats().TopicSubscriberCounts).To(Equal(map[string]int{"parcel-1": 1}))
			checkInvariant(h)
		})

		It("should succeed for a relation that never existed", func() {
			c := connected(h, "c1")
			ack, err := h.Unsubscribe(c, "never")
			Expect(err).NotTo(HaveOccurred())
			Expect(ack.Topic).To(Equal("never"))
		})
	})

	Describe("ListSubscriptions", func() {
		It("should return the connection's topics", func() {
			c := connected(h, "c1")
			for _, t := range []string{"b", "a", "c"} {
				_, _ = h.Subscribe(c, t)
			}

			list := h.ListSubscriptions(c)

			Expect(list.Count).To(Equal(3))
			Expect(list.Topics).To(ConsistOf("a", "b", "c"))
		})

		It("should return an empty list for unknown connections", func() {
			list := h.ListSubscriptions(newFakeConn("ghost"))
			Expect(list.Count).To(BeZero())
			Expect(list.Topics).To(BeEmpty())
		})
	})

	Describe("OnDisconnect", func() {
		It("should remove the connection from every topic", func() {
			c1 := connected(h, "c1")
			c2 := connected(h, "c2")
			_, _ = h.Subscribe(c1, "a")
			_, _ = h.Subscribe(c1, "b")
			_, _ = h.Subscribe(c2, "a")

			h.OnDisconnect(c1)

			stats := h.Stats()
			Expect(stats.TotalConnectedClients).To(Equal(1))
			Expect(stats.TopicSubscriberCounts).To(Equal(map[string]int{"a": 1}))
			checkInvariant(h)
		})

		It("should be safe for connections without subscriptions or never registered", func() {
			c := connected(h, "c1")
			h.OnDisconnect(c)
			h.OnDisconnect(c)
			h.OnDisconnect(newFakeConn("ghost"))
			Expect(h.ConnectionCount()).To(BeZero())
		})

		It("should stop processing protocol messages afterwards", func() {
			c := connected(h, "c1")
			h.OnDisconnect(c)

			h.HandleMessage(c, []byte(`{"type":"subscribe","topic":"parcel-1"}`))

			Expect(c.messages()).To(BeEmpty())
			Expect(h.Stats().TotalTopicsTracked).To(BeZero())
		})
	})

	Describe("Publish", func() {
		It("should deliver only to subscribers of the topic", func() {
			a := connected(h, "a")
			b := connected(h, "b")
			_, _ = h.Subscribe(a, "A")
			_, _ = h.Subscribe(b, "B")

			n := h.Publish("A", EventStatusUpdate, Fields{"status": "in_transit"})

			Expect(n).To(Equal(1))
			Expect(a.messagesOfType(EventStatusUpdate)).To(HaveLen(1))
			Expect(b.messages()).To(BeEmpty())
		})

		It("should be a silent no-op without subscribers", func() {
			Expect(h.Publish("nobody", EventTracking, nil)).To(BeZero())
			Expect(h.Counters().Published).To(Equal(uint64(1)))
		})

		It("should keep the reserved envelope keys over payload fields", func() {
			c := connected(h, "c1")
			_, _ = h.Subscribe(c, "A")

			h.Publish("A", "custom", Fields{"type": "spoofed", "topic": "B", "note": "hi"})

			msg := c.last()
			Expect(msg["type"]).To(Equal("custom"))
			Expect(msg["topic"]).To(Equal("A"))
			Expect(msg["parcelId"]).To(Equal("A"))
			Expect(msg["note"]).To(Equal("hi"))
		})

		It("should preserve publish order per topic", func() {
			c := connected(h, "c1")
			_, _ = h.Subscribe(c, "A")

			for i := 0; i < 20; i++ {
				h.Publish("A", EventTracking, Fields{"seq": i})
			}

			msgs := c.messagesOfType(EventTracking)
			Expect(msgs).To(HaveLen(20))
			for i, m := range msgs {
				Expect(m["seq"]).To(BeNumerically("==", i))
			}
		})

		It("should prune closed connections and keep delivering to the rest", func() {
			dead := connected(h, "dead")
			slow := connected(h, "slow")
			ok := connected(h, "ok")
			for _, c := range []*fakeConn{dead, slow, ok} {
				_, _ = h.Subscribe(c, "A")
			}
			dead.open.Store(false)
			slow.sendErr = ErrSendBufferFull

			n := h.Publish("A", EventTracking, Fields{})

			Expect(n).To(Equal(1))
			Expect(ok.messagesOfType(EventTracking)).To(HaveLen(1))
			Expect(h.Stats().TopicSubscriberCounts).To(Equal(map[string]int{"A": 1}))
			Expect(h.ConnectionCount()).To(Equal(1))
			Expect(slow.closed.Load()).To(BeNumerically(">=", 1))
			Expect(h.Counters().Dropped).To(Equal(uint64(2)))
			checkInvariant(h)
		})
	})

	Describe("PublishToMany", func() {
		It("should fan out once per subscribed topic", func() {
			both := connected(h, "both")
			onlyA := connected(h, "onlyA")
			_, _ = h.Subscribe(both, "A")
			_, _ = h.Subscribe(both, "B")
			_, _ = h.Subscribe(onlyA, "A")

			n := h.PublishToMany([]string{"A", "B"}, "batch_update", Fields{"batchId": "b1"})

			Expect(n).To(Equal(3))
			Expect(both.messagesOfType("batch_update")).To(HaveLen(2))
			Expect(onlyA.messagesOfType("batch_update")).To(HaveLen(1))
		})
	})

	Describe("PublishAll", func() {
		It("should reach every connection regardless of subscription", func() {
			a := connected(h, "a")
			b := connected(h, "b")
			_, _ = h.Subscribe(a, "A")

			n := h.PublishAll(EventSystemAlert, Fields{"message": "maintenance", "priority": "warning"})

			Expect(n).To(Equal(2))
			for _, c := range []*fakeConn{a, b} {
				msg := c.last()
				Expect(msg["type"]).To(Equal("system_alert"))
				Expect(msg).NotTo(HaveKey("topic"))
			}
		})
	})

	Describe("typed helpers", func() {
		It("should shape each canonical event", func() {
			c := connected(h, "c1")
			_, _ = h.Subscribe(c, "p")

			h.PublishTracking("p", map[string]any{"lat": 1.5, "lng": 2.5})
			h.PublishHandoff("p", "delivered", map[string]any{"actor": "courier"}, nil)
			h.PublishStatusUpdate("p", "in_transit", map[string]any{"by": "hub-1"})
			h.PublishRouteUpdate("p", map[string]any{"deliveryHub": "north"})
			h.PublishFeedback("p", map[string]any{"rating": 5})

			msgs := c.messages()
			Expect(msgs).To(HaveLen(5))

			got := make([]string, 0, len(msgs))
			for _, m := range msgs {
				got = append(got, m["type"].(string))
			}
			want := []string{"tracking", "handoff", "status_update", "route_update", "feedback"}
			Expect(cmp.Diff(want, got)).To(BeEmpty())

			Expect(msgs[0]["point"]).To(Equal(map[string]any{"lat": 1.5, "lng": 2.5}))
			Expect(msgs[1]["status"]).To(Equal("delivered"))
			Expect(msgs[1]["metadata"]).To(Equal(map[string]any{}))
			Expect(msgs[2]["metadata"]).To(Equal(map[string]any{"by": "hub-1"}))
			Expect(msgs[3]["change"]).To(HaveKeyWithValue("deliveryHub", "north"))
			Expect(msgs[4]["feedback"]).To(HaveKeyWithValue("rating", BeNumerically("==", 5)))
		})

		It("should also broadcast to everyone when legacy broadcast is on", func() {
			subscriber := connected(h, "sub")
			bystander := connected(h, "bystander")
			_, _ = h.Subscribe(subscriber, "p")

			h.SetLegacyBroadcast(true)
			n := h.PublishTracking("p", map[string]any{"lat": 1})

			Expect(n).To(Equal(3))
			Expect(subscriber.messagesOfType(EventTracking)).To(HaveLen(2))
			Expect(bystander.messagesOfType(EventTracking)).To(HaveLen(1))
			Expect(bystander.last()["parcelId"]).To(Equal("p"))

			h.SetLegacyBroadcast(false)
			Expect(h.LegacyBroadcast()).To(BeFalse())
		})
	})

	Describe("Stats", func() {
		It("should report counts and the mean topics per connection", func() {
			c1 := connected(h, "c1")
			c2 := connected(h, "c2")
			_, _ = h.Subscribe(c1, "a")
			_, _ = h.Subscribe(c1, "b")
			_, _ = h.Subscribe(c1, "c")
			_, _ = h.Subscribe(c2, "a")

			want := Stats{
				TotalTopicsTracked:            3,
				TotalConnectedClients:         2,
				AverageSubscriptionsPerClient: 2,
				TopicSubscriberCounts:         map[string]int{"a": 2, "b": 1, "c": 1},
			}
			Expect(cmp.Diff(want, h.Stats())).To(BeEmpty())
		})

		It("should report zero average without connections", func() {
			Expect(h.Stats().AverageSubscriptionsPerClient).To(BeZero())
		})
	})

	Describe("TrackedTopics", func() {
		It("should list topics with subscriber counts sorted by id", func() {
			c1 := connected(h, "c1")
			c2 := connected(h, "c2")
			_, _ = h.Subscribe(c1, "z")
			_, _ = h.Subscribe(c1, "a")
			_, _ = h.Subscribe(c2, "a")

			Expect(h.TrackedTopics()).To(Equal([]TopicInfo{
				{Topic: "a", SubscriberCount: 2, Active: true},
				{Topic: "z", SubscriberCount: 1, Active: true},
			}))
		})
	})

	Describe("SweepStale", func() {
		It("should remove closed connections and their sole topics", func() {
			gone := connected(h, "gone")
			stay := connected(h, "stay")
			_, _ = h.Subscribe(gone, "only-gone")
			_, _ = h.Subscribe(gone, "shared")
			_, _ = h.Subscribe(stay, "shared")
			gone.open.Store(false)

			res := h.SweepStale()

			Expect(res).To(Equal(SweepResult{RemovedConnections: 1, RemovedTopics: 1}))
			Expect(h.Stats().TopicSubscriberCounts).To(Equal(map[string]int{"shared": 1}))
			Expect(h.Counters().SweptConnections).To(Equal(uint64(1)))
			checkInvariant(h)
		})

		It("should be idempotent", func() {
			c := connected(h, "c")
			_, _ = h.Subscribe(c, "a")
			c.open.Store(false)

			Expect(h.SweepStale().RemovedConnections).To(Equal(1))
			Expect(h.SweepStale()).To(Equal(SweepResult{}))
		})

		It("should repair an index that disagrees with the registry", func() {
			c := connected(h, "c")
			_, _ = h.Subscribe(c, "kept")
			ghost := newFakeConn("ghost")

			h.mu.Lock()
			h.topics["orphan"] = map[Conn]struct{}{ghost: {}}
			delete(h.topics["kept"], c)
			delete(h.topics, "kept")
			h.mu.Unlock()

			res := h.SweepStale()

			Expect(res.RemovedTopics).To(Equal(1))
			Expect(h.Stats().TopicSubscriberCounts).To(Equal(map[string]int{"kept": 1}))
			checkInvariant(h)
		})
	})

	Describe("ForceCleanup", func() {
		It("should bracket the sweep with matching stats", func() {
			gone := connected(h, "gone")
			stay := connected(h, "stay")
			_, _ = h.Subscribe(gone, "solo")
			_, _ = h.Subscribe(stay, "other")
			gone.open.Store(false)

			before := h.Stats()
			report := h.ForceCleanup()
			after := h.Stats()

			Expect(cmp.Diff(before, report.Before)).To(BeEmpty())
			Expect(cmp.Diff(after, report.After)).To(BeEmpty())
			Expect(report.Before.TotalConnectedClients - report.After.TotalConnectedClients).To(Equal(1))
			Expect(report.After.TopicSubscriberCounts).NotTo(HaveKey("solo"))
			Expect(report.Removed).To(Equal(SweepResult{RemovedConnections: 1, RemovedTopics: 1}))
		})
	})

	Describe("Run", func() {
		It("should sweep periodically and close connections on cancellation", func() {
			h = newTestHub(Options{SweepInterval: 10 * time.Millisecond})
			gone := connected(h, "gone")
			stay := connected(h, "stay")
			gone.open.Store(false)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				h.Run(ctx)
				close(done)
			}()

			Eventually(h.ConnectionCount, time.Second, 5*time.Millisecond).Should(Equal(1))

			cancel()
			Eventually(done, time.Second).Should(BeClosed())
			Expect(h.ConnectionCount()).To(BeZero())
			Expect(stay.closed.Load()).To(BeNumerically(">=", 1))
		})

		It("should not sweep when the interval is zero", func() {
			h = newTestHub(Options{SweepInterval: 0})
			gone := connected(h, "gone")
			gone.open.Store(false)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				h.Run(ctx)
				close(done)
			}()

			Consistently(h.ConnectionCount, 100*time.Millisecond, 10*time.Millisecond).Should(Equal(1))
			Expect(h.Counters().SweptConnections).To(BeZero())

			cancel()
			Eventually(done, time.Second).Should(BeClosed())
			Expect(h.ConnectionCount()).To(BeZero())
			Expect(gone.closed.Load()).To(BeNumerically(">=", 1))
		})
	})

	Describe("ConcurrentOperations", func() {
		It("should keep the indexes consistent under concurrent use", func() {
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(id int) {
					defer GinkgoRecover()
					defer wg.Done()

					c := newFakeConn(fmt.Sprintf("c%d", id))
					h.OnConnect(c)
					for j := 0; j < 100; j++ {
						topic := fmt.Sprintf("t%d", j%5)
						switch j % 4 {
						case 0:
							_, _ = h.Subscribe(c, topic)
						case 1:
							h.Publish(topic, EventTracking, Fields{"j": j})
						case 2:
							_, _ = h.Unsubscribe(c, topic)
						case 3:
							_ = h.Stats()
						}
					}
					if id%2 == 0 {
						h.OnDisconnect(c)
					}
				}(i)
			}
			wg.Wait()

			checkInvariant(h)
			Expect(h.ConnectionCount()).To(Equal(5))
		})
	})
})
