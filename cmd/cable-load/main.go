// Command cable-load is a cable load generator. It runs a number of
// client connections to a server, each subscribed to the EchoChannel,
// and for a given duration, performs echo actions and collects
// latencies and statistics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mna/cable/client"
	"github.com/mna/cable/message"
)

var (
	addrFlag          = flag.String("addr", "ws://localhost:9000/cable", "Server `address`.")
	channelFlag       = flag.String("channel", "EchoChannel", "`Channel` to subscribe to.")
	connFlag          = flag.Int("c", 100, "Number of `connections`.")
	durationFlag      = flag.Duration("d", 10*time.Second, "Run `duration`.")
	delayFlag         = flag.Duration("delay", 0, "Start execution after `delay`.")
	helpFlag          = flag.Bool("help", false, "Show help.")
	originFlag        = flag.String("origin", "http://localhost:9000", "`Origin` header of the requests.")
	payloadFlag       = flag.String("p", "100", "Echo `payload`.")
	performRateFlag   = flag.Duration("r", 100*time.Millisecond, "Perform `rate` per connection.")
	subscribeTimeFlag = flag.Duration("t", time.Second, "Subscribe `timeout`.")
	waitFlag          = flag.Duration("w", 5*time.Second, "Wait `duration` for connections to stop.")
)

// counters is the list of server counters reported, in order.
var counters = []string{
	"ActiveConnGoros",
	"ActiveConns",
	"ActiveSubscriptions",
	"Commands",
	"Commands.subscribe",
	"Commands.message",
	"DroppedMessages",
	"FramesSent",
	"MalformedFrames",
	"RecoveredPanics",
	"SlowCommands",
	"SlowCommands.message",
	"TotalConnGoros",
	"TotalConns",
	"UnhandledErrors",
}

var (
	fnMap = template.FuncMap{
		"subi":  subiFn,
		"subd":  subdFn,
		"subf":  subfFn,
		"avg":   avgFn,
		"pctl":  pctlFn,
		"label": labelFn,
	}

	tpl = template.Must(template.New("output").Funcs(fnMap).Parse(`
--- CONFIGURATION

Address:    {{ .Run.Addr }}
Channel:    {{ .Run.Channel }}
Payload:    {{ .Run.Payload }}

Connections: {{ .Run.Conns }}
Rate:        {{ .Run.Rate | printf "%s" }}
Duration:    {{ .Run.Duration | printf "%s" }}

--- CLIENT STATISTICS

Actual Duration: {{ .Run.ActualDuration | printf "%s" }}
Confirmed:       {{ .Run.Confirmed }}
Rejected:        {{ .Run.Rejected }}
Expired:         {{ .Run.Expired }}
Performs:        {{ .Run.Performs }}
Echoes:          {{ .Run.Echoes }}
Disconnects:     {{ .Run.Disconnects }}

--- CLIENT LATENCIES

Minimum:         {{ pctl 0 .Latencies }}
Maximum:         {{ pctl 100 .Latencies }}
Average:         {{ avg .Latencies }}
Median:          {{ pctl 50 .Latencies }}
75th Percentile: {{ pctl 75 .Latencies }}
90th Percentile: {{ pctl 90 .Latencies }}
99th Percentile: {{ pctl 99 .Latencies }}

--- SERVER STATISTICS

Memory          Before          After           Diff.
---------------------------------------------------------------
Alloc:          {{.Before.Memstats.Alloc | printf "%-15v"}} {{.After.Memstats.Alloc | printf "%-15v"}} {{subf .After.Memstats.Alloc .Before.Memstats.Alloc | printf "%v" }}
TotalAlloc:     {{.Before.Memstats.TotalAlloc | printf "%-15v"}} {{.After.Memstats.TotalAlloc | printf "%-15v"}} {{subf .After.Memstats.TotalAlloc .Before.Memstats.TotalAlloc | printf "%v" }}
Mallocs:        {{.Before.Memstats.Mallocs | printf "%-15d"}} {{.After.Memstats.Mallocs | printf "%-15d"}} {{subi .After.Memstats.Mallocs .Before.Memstats.Mallocs }}
Frees:          {{.Before.Memstats.Frees | printf "%-15d"}} {{.After.Memstats.Frees | printf "%-15d"}} {{subi .After.Memstats.Frees .Before.Memstats.Frees }}
HeapAlloc:      {{.Before.Memstats.HeapAlloc | printf "%-15v"}} {{.After.Memstats.HeapAlloc | printf "%-15v"}} {{subf .After.Memstats.HeapAlloc .Before.Memstats.HeapAlloc | printf "%v" }}
HeapObjects:    {{.Before.Memstats.HeapObjects | printf "%-15d"}} {{.After.Memstats.HeapObjects | printf "%-15d"}} {{subi .After.Memstats.HeapObjects .Before.Memstats.HeapObjects }}
NumGC:          {{.Before.Memstats.NumGC | printf "%-15d"}} {{.After.Memstats.NumGC | printf "%-15d"}} {{subi .After.Memstats.NumGC .Before.Memstats.NumGC }}
PauseTotalNs:   {{.Before.Memstats.PauseTotalNs | printf "%-15v"}} {{.After.Memstats.PauseTotalNs | printf "%-15v"}} {{subd .After.Memstats.PauseTotalNs .Before.Memstats.PauseTotalNs | printf "%v" }}

Counter               Before          After           Diff.
------------------------------------------------------------------
{{ range .Counters }}{{ label . }} {{ index $.Before.Cable . | printf "%-15d" }} {{ index $.After.Cable . | printf "%-15d" }} {{ subi (index $.After.Cable .) (index $.Before.Cable .) }}
{{ end }}
`))
)

func subiFn(a, b int64) int64 {
	return a - b
}

func subdFn(a, b time.Duration) time.Duration {
	return a - b
}

func subfFn(a, b byteSize) byteSize {
	return a - b
}

func labelFn(s string) string {
	return fmt.Sprintf("%-21s", s+":")
}

func avgFn(durs []time.Duration) time.Duration {
	if len(durs) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durs {
		sum += d
	}
	return sum / time.Duration(len(durs))
}

// pctlFn returns the nth percentile of durs, which gets sorted.
func pctlFn(n int, durs []time.Duration) time.Duration {
	if len(durs) == 0 {
		return 0
	}
	if len(durs) == 1 {
		return durs[0]
	}

	sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })

	v := (float64(n) / 100.0) * float64(len(durs))
	ix := int(v)
	if v != math.Trunc(v) {
		if ix = int(math.Round(v)); ix > 0 {
			ix--
		}
		return durs[ix]
	}

	switch ix {
	case 0:
		return durs[0]
	case len(durs):
		return durs[len(durs)-1]
	}
	return (durs[ix] + durs[ix-1]) / 2
}

// byteSize formats a number of bytes with a binary unit.
type byteSize float64

const (
	_           = iota
	kb byteSize = 1 << (10 * iota)
	mb
	gb
	tb
)

func (b byteSize) String() string {
	cmp := b
	if b < 0 {
		cmp = -cmp
	}
	switch {
	case cmp >= tb:
		return fmt.Sprintf("%.2fTB", b/tb)
	case cmp >= gb:
		return fmt.Sprintf("%.2fGB", b/gb)
	case cmp >= mb:
		return fmt.Sprintf("%.2fMB", b/mb)
	case cmp >= kb:
		return fmt.Sprintf("%.2fKB", b/kb)
	}
	return fmt.Sprintf("%.2fB", b)
}

type templateStats struct {
	Run       *runStats
	Before    *expVars
	After     *expVars
	Counters  []string
	Latencies []time.Duration
}

type runStats struct {
	Addr    string
	Origin  string
	Channel string
	Payload string

	Conns          int
	Rate           time.Duration
	Timeout        time.Duration
	Duration       time.Duration
	ActualDuration time.Duration

	Confirmed   int64
	Rejected    int64
	Expired     int64
	Performs    int64
	Echoes      int64
	Disconnects int64
}

type expVars struct {
	Cable map[string]int64 `json:"cable"`

	Memstats struct {
		Alloc        byteSize
		TotalAlloc   byteSize
		Mallocs      int64
		Frees        int64
		HeapAlloc    byteSize
		HeapObjects  int64
		NumGC        int64
		PauseTotalNs time.Duration
	} `json:"memstats"`
}

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	log.SetFlags(0)

	if *connFlag <= 0 {
		log.Fatalf("invalid -c value, must be greater than 0")
	}

	<-time.After(*delayFlag)

	stats := &runStats{
		Addr:     *addrFlag,
		Origin:   *originFlag,
		Channel:  *channelFlag,
		Payload:  *payloadFlag,
		Conns:    *connFlag,
		Rate:     *performRateFlag,
		Timeout:  *subscribeTimeFlag,
		Duration: *durationFlag,
	}

	varsURL, err := expVarsURL(stats.Addr)
	if err != nil {
		log.Fatalf("failed to parse -addr: %v", err)
	}
	before := getExpVars(varsURL)

	clientStarted := make(chan struct{})
	resLatency := make(chan []time.Duration)
	stop := make(chan struct{})
	for i := 0; i < stats.Conns; i++ {
		go runClient(i, stats, clientStarted, stop, resLatency)
	}

	// start clients with some jitter, up to 10ms
	log.Printf("%d connections started...", stats.Conns)
	start := time.Now()
	for i := 0; i < stats.Conns; i++ {
		<-time.After(time.Duration(rand.Intn(int(10 * time.Millisecond))))
		<-clientStarted
	}

	// run for the requested duration and signal stop
	<-time.After(stats.Duration)
	close(stop)
	log.Printf("stopping...")

	// wait for completion
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-time.After(*waitFlag):
			log.Fatalf("failed to stop clients")
		}
	}()

	var latencies []time.Duration
	for i := 0; i < stats.Conns; i++ {
		latencies = append(latencies, <-resLatency...)
	}
	close(done)

	stats.ActualDuration = time.Since(start)
	log.Printf("stopped.")

	after := getExpVars(varsURL)

	ts := templateStats{Run: stats, Before: before, After: after, Counters: counters, Latencies: latencies}
	if err := tpl.Execute(os.Stdout, ts); err != nil {
		log.Fatalf("template.Execute failed: %v", err)
	}
}

// expVarsURL returns the URL of the expvar handler of the server at the
// websocket address addr.
func expVarsURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/debug/vars"
	u.RawQuery = ""
	return u.String(), nil
}

func getExpVars(u string) *expVars {
	res, err := http.Get(u)
	if err != nil {
		log.Fatalf("failed to fetch /debug/vars: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		log.Fatalf("failed to fetch /debug/vars: %d %s", res.StatusCode, res.Status)
	}

	var ev expVars
	if err := json.NewDecoder(res.Body).Decode(&ev); err != nil {
		log.Fatalf("failed to decode expvars: %v", err)
	}
	return &ev
}

// echoMessage is the data of the echo action, sent back as-is by the
// EchoChannel.
type echoMessage struct {
	Seq     int64  `json:"seq"`
	Payload string `json:"payload"`
}

func runClient(id int, stats *runStats, started chan<- struct{}, stop <-chan struct{}, resLatencies chan<- []time.Duration) {
	var wgEchoes sync.WaitGroup
	var mu sync.Mutex // protects latencies slice and startTimes map
	var latencies []time.Duration
	startTimes := make(map[int64]time.Time)
	subscribed := make(chan bool, 1)

	u := stats.Addr + "?user=load-" + strconv.Itoa(id)
	cli, err := client.Dial(
		&websocket.Dialer{}, u, http.Header{"Origin": {stats.Origin}},
		client.SetSubscribeTimeout(stats.Timeout),
		client.SetHandler(client.HandlerFunc(func(ctx context.Context, f *message.Frame) {
			switch f.Type {
			case message.WelcomeType, message.PingType:
			case message.ConfirmType:
				atomic.AddInt64(&stats.Confirmed, 1)
				subscribed <- true
			case message.RejectType:
				atomic.AddInt64(&stats.Rejected, 1)
				subscribed <- false
			case client.ExpiredType:
				atomic.AddInt64(&stats.Expired, 1)
				subscribed <- false
			case message.DisconnectType:
				atomic.AddInt64(&stats.Disconnects, 1)
			case "":
				var m echoMessage
				if err := json.Unmarshal(f.Message, &m); err != nil {
					log.Printf("unexpected message: %s", f.Message)
					return
				}
				mu.Lock()
				start, ok := startTimes[m.Seq]
				delete(startTimes, m.Seq)
				if ok {
					latencies = append(latencies, time.Since(start))
				}
				mu.Unlock()
				if ok {
					atomic.AddInt64(&stats.Echoes, 1)
					wgEchoes.Done()
				}
			default:
				log.Fatalf("unexpected frame type %s", f.Type)
			}
		})))
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}

	ident, err := client.Identifier(stats.Channel, nil)
	if err != nil {
		log.Fatalf("Identifier failed: %v", err)
	}
	if err := cli.Subscribe(ident); err != nil {
		log.Fatalf("Subscribe failed: %v", err)
	}
	ok := <-subscribed

	var after time.Duration
	var seq int64
	started <- struct{}{}
loop:
	for ok {
		select {
		case <-stop:
			break loop
		case <-cli.CloseNotify():
			break loop
		case <-time.After(after):
		}

		seq++
		wgEchoes.Add(1)
		mu.Lock()
		startTimes[seq] = time.Now()
		mu.Unlock()
		atomic.AddInt64(&stats.Performs, 1)
		data := map[string]interface{}{"seq": seq, "payload": stats.Payload}
		if err := cli.Perform(ident, "echo", data); err != nil {
			log.Fatalf("Perform failed: %v", err)
		}
		after = stats.Rate
	}
	if !ok {
		<-stop
	}

	// wait for sent echoes to return, up to the subscribe timeout
	waitCh := make(chan struct{})
	go func() {
		wgEchoes.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(stats.Timeout):
	}

	cli.Close()
	mu.Lock()
	resLatencies <- latencies
	mu.Unlock()
}
