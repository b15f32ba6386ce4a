package avs

import (
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/channel"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/schedule"
	"github.com/alxayo/go-rts/internal/sfu"
)

// Stream audio is Opus at 48 kHz stereo end to end.
const (
	streamSampleRate = 48000
	streamChannels   = 2
)

// oggSink adapts the playback sink to the consumer: received RTP packets are
// paged into an Ogg/Opus stream that the player reads from a pipe. Volume
// changes re-spawn the player at the new multiplier on a fresh pipe; the
// stream keeps flowing into the new spawn.
type oggSink struct {
	sink schedule.Sink

	mu  sync.Mutex
	ogg *oggwriter.OggWriter
	pw  *io.PipeWriter
}

// newOggSink spawns the player on the read half of a pipe and returns the
// write half wrapped for RTP. The player must be up before the ogg writer is
// built: the pipe is unbuffered and the writer pushes its header pages
// immediately.
func newOggSink(sink schedule.Sink, volume float64) (*oggSink, error) {
	o := &oggSink{sink: sink}
	if err := o.respawn(volume); err != nil {
		return nil, err
	}
	return o, nil
}

// respawn starts the player at the given volume on a fresh pipe and swaps
// the ogg stream onto it. The fresh writer opens with new header pages, so
// the player picks the stream up cleanly mid-broadcast.
func (o *oggSink) respawn(volume float64) error {
	pr, pw := io.Pipe()
	if err := o.sink.PlayStream(pr, volume); err != nil {
		_ = pw.Close()
		return errors.NewMedia("avs.ogg_sink", err)
	}
	ogg, err := oggwriter.NewWith(pw, streamSampleRate, streamChannels)
	if err != nil {
		_ = pw.Close()
		o.sink.Clear()
		return errors.NewMedia("avs.ogg_sink", err)
	}
	o.mu.Lock()
	oldOgg, oldPw := o.ogg, o.pw
	o.ogg, o.pw = ogg, pw
	o.mu.Unlock()
	if oldOgg != nil {
		_ = oldOgg.Close()
		_ = oldPw.Close()
	}
	return nil
}

// SetVolume makes a live volume change audible: the running player is
// replaced by one spawned at the new multiplier.
func (o *oggSink) SetVolume(volume float64) error {
	return o.respawn(volume)
}

func (o *oggSink) WriteRTP(p *rtp.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ogg.WriteRTP(p)
}

// Close flushes the ogg stream and closes the pipe so the player sees EOF.
func (o *oggSink) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	err := o.ogg.Close()
	_ = o.pw.Close()
	return err
}

// startStreaming answers an incoming offer: any previous consumer is
// replaced, the scheduler is blocked so no record talks over the operator,
// and the answer goes back on the same channel. On any failure the scheduler
// is unblocked again.
func (a *Agent) startStreaming(ch *channel.Channel, offerText string) error {
	a.mu.Lock()
	if a.consumer != nil {
		a.consumer.Close()
		a.consumer = nil
	}
	if a.bridge != nil {
		_ = a.bridge.Close()
		a.bridge = nil
	}
	a.mu.Unlock()

	a.runner.Block()
	a.sink.SetVolume(1.0)

	bridge, err := newOggSink(a.sink, 1.0)
	if err != nil {
		a.runner.Unblock()
		return err
	}
	consumer, err := sfu.NewConsumer(a.turnConfig(), ch, bridge)
	if err != nil {
		_ = bridge.Close()
		a.runner.Unblock()
		return err
	}
	answer, err := consumer.Accept(offerText)
	if err != nil {
		consumer.Close()
		a.runner.Unblock()
		return err
	}
	if err := ch.Write(wire.EventAnswer, wire.Answer{Answer: answer}); err != nil {
		consumer.Close()
		a.runner.Unblock()
		return err
	}

	a.mu.Lock()
	a.consumer = consumer
	a.bridge = bridge
	a.mu.Unlock()
	a.log.Info("live stream accepted")
	return nil
}

// setLiveVolume applies a volume frame. The sink keeps the multiplier for
// the next scheduled spawn, and a stream in progress is re-spawned so the
// change is audible immediately.
func (a *Agent) setLiveVolume(volume float64) error {
	a.mu.Lock()
	bridge := a.bridge
	a.mu.Unlock()
	a.sink.SetVolume(volume)
	if bridge == nil {
		return nil
	}
	return bridge.SetVolume(volume)
}

// addICES lands the coordinator's candidates on the live consumer. A batch
// arriving after teardown is dropped.
func (a *Agent) addICES(icesText string) error {
	a.mu.Lock()
	consumer := a.consumer
	a.mu.Unlock()
	if consumer == nil {
		a.log.Debug("ices with no live stream")
		return nil
	}
	return consumer.AddICES(icesText)
}

// closeStreaming unblocks the scheduler and drops the consumer. Safe to call
// with no stream up.
func (a *Agent) closeStreaming() {
	a.runner.Unblock()
	a.mu.Lock()
	consumer := a.consumer
	bridge := a.bridge
	a.consumer = nil
	a.bridge = nil
	a.mu.Unlock()
	if bridge != nil {
		_ = bridge.Close()
	}
	if consumer != nil {
		consumer.Close()
		a.log.Info("live stream closed")
	}
}
