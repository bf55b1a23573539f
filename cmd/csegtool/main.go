// csegtool converts label volumes between raw little-endian arrays and the
// neuroglancer compressed segmentation encoding.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/chunkview/cview"
	"github.com/janelia-flyem/chunkview/encoding/compseg"
)

var (
	showHelp = flag.Bool("help", false, "")

	// Volume size as "x,y,z".
	volSize = flag.String("size", "", "")

	// Compression block size as "x,y,z".
	blockSize = flag.String("block", "8,8,8", "")

	// Bytes per label, 4 or 8.
	labelBytes = flag.Int("bytes", 8, "")

	// Number of channels in the volume.
	numChannels = flag.Int("channels", 1, "")

	// Gzip the encoded output / gunzip the encoded input.
	useGzip = flag.Bool("gzip", false, "")
)

const helpMessage = `
csegtool converts label volumes between raw little-endian arrays and the
neuroglancer compressed segmentation encoding.

Usage: csegtool [options] <command> <input file> <output file>

      -size     =x,y,z    Volume size in voxels (required).
      -block    =x,y,z    Compression block size (default 8,8,8).
      -bytes    =number   Bytes per label, 4 or 8 (default 8).
      -channels =number   Number of channels (default 1).
      -gzip     (flag)    Gzip encoded data.
  -h, -help     (flag)    Show help message

Commands:

	encode  raw labels -> compressed segmentation
	decode  compressed segmentation -> raw labels
`

func parseTriple(s string) ([3]int32, error) {
	var v [3]int32
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected x,y,z but got %q", s)
	}
	for i, p := range parts {
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &v[i]); err != nil {
			return v, fmt.Errorf("bad coordinate %q: %v", p, err)
		}
	}
	return v, nil
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() { fmt.Print(helpMessage) }
	flag.Parse()

	if *showHelp || flag.NArg() != 3 {
		flag.Usage()
		os.Exit(0)
	}
	if *labelBytes != 4 && *labelBytes != 8 {
		log.Fatalf("-bytes must be 4 or 8, got %d\n", *labelBytes)
	}
	size, err := parseTriple(*volSize)
	if err != nil {
		log.Fatalf("Bad -size: %v\n", err)
	}
	block, err := parseTriple(*blockSize)
	if err != nil {
		log.Fatalf("Bad -block: %v\n", err)
	}
	volume := [4]int32{size[0], size[1], size[2], int32(*numChannels)}

	command := strings.ToLower(flag.Args()[0])
	inPath, outPath := flag.Args()[1], flag.Args()[2]
	input, err := os.ReadFile(inPath)
	if err != nil {
		log.Fatalf("Could not read %q: %v\n", inPath, err)
	}

	timeLog := cview.NewTimeLog()
	var output []byte
	switch command {
	case "encode":
		output, err = encode(input, volume, block)
	case "decode":
		output, err = decode(input, volume, block)
	default:
		log.Fatalf("Unknown command %q\n", command)
	}
	if err != nil {
		log.Fatalf("%s of %q failed: %v\n", command, inPath, err)
	}
	if err := os.WriteFile(outPath, output, 0644); err != nil {
		log.Fatalf("Could not write %q: %v\n", outPath, err)
	}
	timeLog.Infof("%s %s (%s) -> %s (%s)", command,
		inPath, humanize.Bytes(uint64(len(input))),
		outPath, humanize.Bytes(uint64(len(output))))
}

func encode(input []byte, volume [4]int32, block [3]int32) ([]byte, error) {
	var encoded []uint32
	if *labelBytes == 8 {
		labels, err := cview.ByteToUint64(input)
		if err != nil {
			return nil, err
		}
		if encoded, err = compseg.EncodeUint64(labels, volume, block); err != nil {
			return nil, err
		}
	} else {
		labels, err := cview.ByteToUint32(input)
		if err != nil {
			return nil, err
		}
		if encoded, err = compseg.EncodeUint32(labels, volume, block); err != nil {
			return nil, err
		}
	}
	out := cview.Uint32ToByte(encoded)
	if *useGzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(out); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		out = buf.Bytes()
	}
	return out, nil
}

func decode(input []byte, volume [4]int32, block [3]int32) ([]byte, error) {
	if *useGzip {
		zr, err := gzip.NewReader(bytes.NewReader(input))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		if input, err = io.ReadAll(zr); err != nil {
			return nil, err
		}
	}
	encoded, err := cview.ByteToUint32(input)
	if err != nil {
		return nil, err
	}
	if *labelBytes == 8 {
		labels, err := compseg.DecodeUint64(encoded, volume, block)
		if err != nil {
			return nil, err
		}
		return cview.Uint64ToByte(labels), nil
	}
	labels, err := compseg.DecodeUint32(encoded, volume, block)
	if err != nil {
		return nil, err
	}
	return cview.Uint32ToByte(labels), nil
}
