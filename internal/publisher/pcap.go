package publisher

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapSnaplen = 65536

// Placeholder link addresses for recorded frames.
var (
	recorderSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x0a, 0xce}
	recorderDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x0a, 0xcf}
)

// PcapRecorder writes published datagrams into a pcap file as
// Ethernet/IPv4/UDP frames so they can be inspected with standard tools or
// replayed.
type PcapRecorder struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	src    *net.UDPAddr
	dst    *net.UDPAddr
	nextID uint16
	count  int
}

// NewPcapRecorder writes the pcap header to w and returns a recorder framing
// payloads as sent from src to dst.
func NewPcapRecorder(w io.Writer, src, dst *net.UDPAddr) (*PcapRecorder, error) {
	if src.IP.To4() == nil || dst.IP.To4() == nil {
		return nil, fmt.Errorf("pcap recorder needs IPv4 addresses, got %v -> %v", src, dst)
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pcapSnaplen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	r := &PcapRecorder{w: pw, src: src, dst: dst}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r, nil
}

// CreatePcap creates path and returns a recorder writing to it.
func CreatePcap(path string, src, dst *net.UDPAddr) (*PcapRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap %s: %w", path, err)
	}
	r, err := NewPcapRecorder(f, src, dst)
	if err != nil {
		f.Close()
		return nil, err
	}
	logf("recording datagrams to %s", path)
	return r, nil
}

// Record implements Tap.
func (r *PcapRecorder) Record(payload []byte, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	eth := &layers.Ethernet{
		SrcMAC:       recorderSrcMAC,
		DstMAC:       recorderDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       r.nextID,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    r.src.IP.To4(),
		DstIP:    r.dst.IP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(r.src.Port),
		DstPort: layers.UDPPort(r.dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return fmt.Errorf("pcap checksum layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize frame: %w", err)
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: at, CaptureLength: len(data), Length: len(data)}
	if err := r.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("write pcap packet: %w", err)
	}
	r.count++
	return nil
}

// Count returns how many datagrams were recorded.
func (r *PcapRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close closes the underlying writer if it is closable.
func (r *PcapRecorder) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Captured is one datagram read back from a capture.
type Captured struct {
	At       time.Time
	Datagram Datagram
}

// ReadCapture decodes every UDP datagram in a pcap stream. Packets without a
// UDP payload are skipped.
func ReadCapture(rd io.Reader) ([]Captured, error) {
	r, err := pcapgo.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	var out []Captured
	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read capture: %w", err)
		}
		packet := gopacket.NewPacket(data, r.LinkType(), gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		d, err := ParseDatagram(udp.Payload)
		if err != nil {
			return out, err
		}
		out = append(out, Captured{At: ci.Timestamp, Datagram: d})
	}
}
