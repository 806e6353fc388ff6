package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/banshee-data/walleye/internal/publisher"
)

// inspectPcapFile prints the datagrams recorded in a datagram_pcap capture.
func inspectPcapFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return inspectCapture(w, f)
}

// inspectCapture writes one line per stream per captured datagram, streams
// in key order.
func inspectCapture(w io.Writer, r io.Reader) error {
	captured, err := publisher.ReadCapture(r)
	for _, c := range captured {
		keys := make([]string, 0, len(c.Datagram))
		for k := range c.Datagram {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rec := c.Datagram[k]
			line := fmt.Sprintf("%s %s mode=%d update=%d age=%.1fms tags=%v",
				c.At.UTC().Format(time.RFC3339Nano), k, rec.Mode, rec.Update, rec.Timestamp, rec.Tags)
			if rec.Pose1 != nil {
				line += fmt.Sprintf(" pose=(%.3f, %.3f, %.3f) yaw=%.3f", rec.Pose1.TX, rec.Pose1.TY, rec.Pose1.TZ, rec.Pose1.RZ)
			}
			if rec.Ambig != nil {
				line += fmt.Sprintf(" ambig=%.3f", *rec.Ambig)
			}
			if _, werr := fmt.Fprintln(w, line); werr != nil {
				return werr
			}
		}
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d datagrams\n", len(captured))
	return err
}
