// Package tcpserver implements the tracker-facing TCP ingest: the accept
// loop, per-connection handshake, and frame-decode loop that feeds parsed
// AVL records into the State Store and Persistence Adapter.
package tcpserver

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/navixy/telemetry-broker/beacon"
	"github.com/navixy/telemetry-broker/inference"
	"github.com/navixy/telemetry-broker/monitoring"
	"github.com/navixy/telemetry-broker/protocol"
	"github.com/navixy/telemetry-broker/state"
	"github.com/navixy/telemetry-broker/storage"
)

// DefaultIdleTimeout is the read deadline reset on every byte received
// from a tracker connection when Listener.IdleTimeout is left zero; a
// connection silent past this is closed.
const DefaultIdleTimeout = 5 * time.Minute

// readChunk is the size of each conn.Read call; the residue of a partial
// frame is carried forward and prepended to the next chunk.
const readChunk = 4096

// Listener accepts tracker TCP connections and feeds decoded records into
// the shared State Store, writing through to the Persistence Adapter.
type Listener struct {
	Addr        string
	Store       *state.Store
	Persist     storage.Adapter
	Params      inference.Params
	IdleTimeout time.Duration // zero means DefaultIdleTimeout
	ValidateCRC bool          // opt-in trailing-CRC check, off by default

	mu       sync.Mutex
	ln       net.Listener
	wg       sync.WaitGroup
	draining bool
}

// NewListener builds a Listener bound to addr (e.g. ":5027"); call Serve
// to accept connections.
func NewListener(addr string, store *state.Store, persist storage.Adapter, params inference.Params) *Listener {
	return &Listener{Addr: addr, Store: store, Persist: persist, Params: params, IdleTimeout: DefaultIdleTimeout}
}

func (l *Listener) idleTimeout() time.Duration {
	if l.IdleTimeout > 0 {
		return l.IdleTimeout
	}
	return DefaultIdleTimeout
}

// Serve accepts connections until ctx is canceled, then closes the
// listener and waits for every in-flight connection goroutine to finish
// before returning.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("tcpserver: listen %s: %w", l.Addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		l.draining = true
		l.mu.Unlock()
		_ = ln.Close()
	}()

	log.Printf("tcpserver: listening on %s", l.Addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			draining := l.draining
			l.mu.Unlock()
			if draining {
				l.wg.Wait()
				return nil
			}
			return fmt.Errorf("tcpserver: accept: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(conn)
		}()
	}
}

// handleConn runs the handshake then the frame-decode loop for one
// tracker connection until it closes, errors, or goes idle past
// IdleTimeout.
func (l *Listener) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer conn.Close()

	monitoring.ActiveConnections.Inc()
	defer monitoring.ActiveConnections.Dec()

	imei, ok := l.handshake(conn, remote)
	if !ok {
		return
	}
	log.Printf("tcpserver: imei=%s connected from=%s", imei, remote)

	var buf []byte
	readBuf := make([]byte, readChunk)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(l.idleTimeout())); err != nil {
			log.Printf("tcpserver: imei=%s set deadline: %v", imei, err)
			return
		}
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		if err != nil {
			log.Printf("tcpserver: imei=%s closed: %v", imei, err)
			return
		}

		for {
			decodeStart := time.Now()

			frame, perr := protocol.ParseFrame(buf)
			if perr == protocol.ErrShortRead {
				break
			}
			if perr != nil {
				monitoring.FramesTotal.WithLabelValues("malformed").Inc()
				log.Printf("tcpserver: imei=%s malformed frame: %v", imei, perr)
				return
			}

			if l.ValidateCRC && !validFrameCRC(buf, frame) {
				monitoring.FramesTotal.WithLabelValues("crc").Inc()
				log.Printf("tcpserver: imei=%s crc mismatch", imei)
				return
			}

			records, ackCount, rerr := protocol.ParseRecords(frame.Codec, frame.Body, frame.RecordCount)
			if rerr != nil {
				monitoring.FramesTotal.WithLabelValues("record_parse").Inc()
				monitoring.RecordsTotal.WithLabelValues("error").Inc()
				log.Printf("tcpserver: imei=%s record parse: %v", imei, rerr)
				return
			}

			monitoring.FramesTotal.WithLabelValues("ok").Inc()
			monitoring.RecordsTotal.WithLabelValues("ok").Add(float64(len(records)))
			monitoring.Debugf("frame_decoded imei=%s codec=0x%02x records=%d", imei, byte(frame.Codec), len(records))

			l.ingestRecords(imei, records)

			monitoring.FrameDecodeSeconds.Observe(time.Since(decodeStart).Seconds())

			ack := protocol.EncodeAck(ackCount)
			if _, werr := conn.Write(ack); werr != nil {
				log.Printf("tcpserver: imei=%s write ack: %v", imei, werr)
				return
			}

			buf = buf[frame.FrameLen:]
		}
	}
}

// handshake reads the 2-byte length + ASCII IMEI preamble and replies with
// a single-byte accept/reject. It returns the IMEI and true on success; on
// failure it writes the rejection byte and returns false.
func (l *Listener) handshake(conn net.Conn, remote string) (string, bool) {
	var buf []byte
	readBuf := make([]byte, 256)
	if err := conn.SetReadDeadline(time.Now().Add(l.idleTimeout())); err != nil {
		return "", false
	}
	for {
		imei, _, err := protocol.ParseHandshake(buf)
		switch err {
		case nil:
			if _, werr := conn.Write([]byte{0x01}); werr != nil {
				log.Printf("tcpserver: from=%s handshake ack write: %v", remote, werr)
				return "", false
			}
			return imei, true
		case protocol.ErrShortRead:
			n, rerr := conn.Read(readBuf)
			if n > 0 {
				buf = append(buf, readBuf[:n]...)
				continue
			}
			if rerr != nil {
				log.Printf("tcpserver: from=%s handshake read: %v", remote, rerr)
				return "", false
			}
		default:
			_, _ = conn.Write([]byte{0x00})
			log.Printf("tcpserver: from=%s handshake rejected: %v", remote, err)
			return "", false
		}
	}
}

// validFrameCRC checks the frame's trailing 4-byte field (a zero-extended
// CRC16/IBM) against the CRC of its declared body. buf must be the same
// slice frame was parsed from.
func validFrameCRC(buf []byte, frame *protocol.Frame) bool {
	trailer := buf[frame.FrameLen-4 : frame.FrameLen]
	want := uint32(trailer[0])<<24 | uint32(trailer[1])<<16 | uint32(trailer[2])<<8 | uint32(trailer[3])
	got := uint32(protocol.CRC16IBM(frame.DeclaredBody()))
	return want == got
}

// ingestRecords runs every AVL record through one Store transaction each,
// updating the carrier's tracker row and every matched beacon sighting,
// then writes through to the Persistence Adapter.
func (l *Listener) ingestRecords(imei string, records []protocol.Record) {
	for _, rec := range records {
		now := time.UnixMilli(rec.TimestampMS)
		speedKMH := float64(rec.SpeedKMH)

		l.Store.Update(func(tx *state.Tx) {
			fix := state.GPSFix{
				Lat:        rec.Lat,
				Lng:        rec.Lng,
				SpeedKMH:   speedKMH,
				Heading:    float64(rec.Heading),
				Satellites: int(rec.Satellites),
				Altitude:   float64(rec.Altitude),
				TS:         now,
			}
			tx.UpsertTracker(imei, "", fix)

			known := tx.KnownMACs()
			patterns := tx.StrictPatterns()

			for ioID, blob := range rec.VariableIO {
				var sightings []beacon.Sighting
				switch ioID {
				case 385:
					sightings = beacon.ExtractFormatA(blob)
				case 10828, 10829, 11317:
					sightings = beacon.ExtractFormatB(blob, known)
				default:
					continue
				}

				for _, s := range sightings {
					matched, ok := beacon.MatchMAC(s.MAC, known, patterns)

					logMAC := beacon.NormalizeMAC(s.MAC)
					result := "unknown"
					if ok {
						logMAC = matched
						result = "matched"
					}
					monitoring.BeaconSightingsTotal.WithLabelValues(result).Inc()
					monitoring.Debugf("beacon_sighting mac=%s carrier=%s outcome=%s", logMAC, imei, result)

					lat, lng := rec.Lat, rec.Lng
					ev := state.ScanEvent{
						MAC:       logMAC,
						Lat:       &lat,
						Lng:       &lng,
						CarrierID: imei,
						RSSI:      s.RSSI,
						Battery:   s.Battery,
						Magnet:    s.Magnet,
						IsKnown:   ok,
						TS:        now,
					}
					if err := l.Persist.AppendScan(ev); err != nil {
						log.Printf("persistence_error op=append_scan mac=%s err=%v", logMAC, err)
					}

					if !ok {
						continue
					}

					existing, _ := tx.Beacon(matched)
					sight := beacon.Sighting{MAC: matched, RSSI: s.RSSI, Battery: s.Battery, Magnet: s.Magnet}
					updated, closed := inference.Apply(l.Params, existing, matched, imei, rec.Lat, rec.Lng, speedKMH, now, sight)
					tx.PutBeacon(updated)

					if updated.Position.Set {
						if err := l.Persist.UpsertBeaconPosition(updated.MAC, updated.Position.Lat, updated.Position.Lng, updated.CarrierID, updated.IsPaired, updated.PairingDurationSeconds, updated.Battery, updated.Magnet); err != nil {
							log.Printf("persistence_error op=upsert_beacon_position mac=%s err=%v", updated.MAC, err)
						}
					}
					if closed != nil {
						monitoring.PairingTransitions.WithLabelValues("closed").Inc()
						entry := state.PairingHistoryEntry{
							MAC:       closed.MAC,
							CarrierID: closed.CarrierID,
							Start:     closed.Start,
							End:       closed.End,
							StartPos:  closed.StartPos,
							EndPos:    closed.EndPos,
						}
						if err := l.Persist.AppendPairingHistory(entry); err != nil {
							log.Printf("persistence_error op=append_pairing_history mac=%s err=%v", updated.MAC, err)
						}
					}
				}
			}
		})

		if err := l.Persist.UpsertTracker(imei, "", rec.Lat, rec.Lng, &speedKMH, nil); err != nil {
			log.Printf("persistence_error op=upsert_tracker imei=%s err=%v", imei, err)
		}
	}
}
