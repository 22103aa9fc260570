package capture

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle replays frames from an in-memory pcap fixture instead of a
// live NIC, so capture's loop can be exercised without root/libpcap access.
type fakeHandle struct {
	r *pcapgo.Reader
}

func (f *fakeHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return f.r.ReadPacketData()
}
func (f *fakeHandle) SetBPFFilter(string) error { return nil }
func (f *fakeHandle) Stats() (*pcap.Stats, error) {
	return &pcap.Stats{PacketsReceived: 2, PacketsDropped: 0, PacketsIfDropped: 0}, nil
}
func (f *fakeHandle) Close()        {}
func (f *fakeHandle) LinkType() int { return int(layers.LinkTypeEthernet) }

// timeoutHandle never produces a frame or a fatal error -- every read times
// out, the way a live idle interface would -- so Stop's clean-shutdown path
// can be exercised independently of the fatal-error path.
type timeoutHandle struct {
	stats pcap.Stats
}

func (h *timeoutHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return nil, gopacket.CaptureInfo{}, pcap.NextErrorTimeoutExpired
}
func (h *timeoutHandle) SetBPFFilter(string) error  { return nil }
func (h *timeoutHandle) Stats() (*pcap.Stats, error) { return &h.stats, nil }
func (h *timeoutHandle) Close()                      {}
func (h *timeoutHandle) LinkType() int                { return int(layers.LinkTypeEthernet) }

// buildFixture writes frames into an in-memory classic-pcap buffer and
// returns a reader over it, the way go_11/pcap.go writes capture files with
// gopacket/pcapgo.
func buildFixture(t *testing.T, frames [][]byte) *pcapgo.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(f), Length: len(f)}
		require.NoError(t, w.WritePacket(ci, f))
	}
	r, err := pcapgo.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return r
}

func TestDriver_ReadsFramesFromFixtureUntilExhausted(t *testing.T) {
	frames := [][]byte{
		{1, 2, 3, 4},
		{5, 6, 7, 8, 9},
	}
	reader := buildFixture(t, frames)

	var got [][]byte
	fatalCh := make(chan error, 1)
	d := New(Config{Interface: "fixture0", Ports: []int{80}}, nil)
	d.openLive = func(device string, snaplen int32) (handleSource, error) {
		return &fakeHandle{r: reader}, nil
	}
	d.OnFrame = func(data []byte, ts time.Time) {
		cp := make([]byte, len(data))
		copy(cp, data)
		got = append(got, cp)
	}
	d.OnFatalError = func(err error) { fatalCh <- err }

	require.NoError(t, d.Start())

	// Exhausting the fixture surfaces a non-timeout read error (EOF), which
	// the driver treats as an unrecoverable loop failure, not a silent
	// return.
	select {
	case err := <-fatalCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the fixture's EOF to surface as a fatal error")
	}

	require.Len(t, got, 2)
	assert.Equal(t, frames[0], got[0])
	assert.Equal(t, frames[1], got[1])
	assert.False(t, d.IsRunning())
	require.Error(t, d.LastError())

	// The loop already released its handle; Stop is a no-op.
	assert.Equal(t, Stats{}, d.Stop())
}

func TestDriver_StopDuringNormalOperationReturnsStats(t *testing.T) {
	d := New(Config{Interface: "fixture0"}, nil)
	d.openLive = func(device string, snaplen int32) (handleSource, error) {
		return &timeoutHandle{stats: pcap.Stats{PacketsReceived: 5, PacketsDropped: 1}}, nil
	}

	require.NoError(t, d.Start())
	assert.True(t, d.IsRunning())

	stats := d.Stop()
	assert.Equal(t, 5, stats.PacketsReceived)
	assert.Equal(t, 1, stats.PacketsDropped)
	assert.False(t, d.IsRunning())
	assert.NoError(t, d.LastError())
}

func TestDriver_DefaultOpenLiveUsesBoundedTimeout(t *testing.T) {
	// BlockForever here would mean a Stop() on an idle real interface can
	// never unblock the read loop; guard against that regression.
	assert.Equal(t, 1*time.Second, readTimeout)
	assert.NotEqual(t, pcap.BlockForever, readTimeout)
}

func TestBuildBPFFilter(t *testing.T) {
	assert.Equal(t, "tcp", BuildBPFFilter(nil))
	assert.Equal(t, "tcp port 80", BuildBPFFilter([]int{80}))
	assert.Equal(t, "tcp port 80 or tcp port 443", BuildBPFFilter([]int{80, 443}))
}

func TestDriver_EmptyInterfaceOpensAllInterfacesSentinel(t *testing.T) {
	var openedDevice string
	d := New(Config{Interface: ""}, nil)
	d.openLive = func(device string, snaplen int32) (handleSource, error) {
		openedDevice = device
		return &timeoutHandle{}, nil
	}

	require.NoError(t, d.Start())
	defer d.Stop()
	assert.Equal(t, "any", openedDevice)
}

func TestDriver_StopBeforeStartIsNoop(t *testing.T) {
	d := New(Config{Interface: "fixture0"}, nil)
	stats := d.Stop()
	assert.Equal(t, Stats{}, stats)
	assert.False(t, d.IsRunning())
}
