// clipbuild assembles a compiled clip from a terse text listing, one op per
// line:
//
//	note <pitch> <velocity> <duration>
//	rest <duration>
//	tempo <bpm>
//	cc <controller> <value>
//	transpose <delta>
//	stack ... end
//	loop <count> ... end
//
// Blank lines and lines starting with ';' are ignored.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"symphonyscript/internal/vm"
)

func main() {
	inPath := flag.String("in", "", "Path to the clip listing")
	outPath := flag.String("out", "out.ssc", "Path for the compiled clip")
	ringCap := flag.Uint("ring", 256, "Event ring capacity")
	flag.Parse()

	if *inPath == "" {
		fmt.Println("Usage: clipbuild -in <listing> [-out <clip>] [-ring <capacity>]")
		os.Exit(1)
	}

	in, err := os.Open(*inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening listing: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()

	cells, err := assemble(in, uint32(*ringCap))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*outPath, vm.MarshalClip(cells), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing clip: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%d cells)\n", *outPath, len(cells))
}

type blockKind int

const (
	blockStack blockKind = iota
	blockLoop
)

func assemble(in *os.File, ringCap uint32) ([]uint32, error) {
	cb := vm.NewClipBuilder(ringCap)
	var blocks []blockKind

	scanner := bufio.NewScanner(in)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Fields(line)
		op := strings.ToLower(fields[0])
		args := fields[1:]

		num := func(i int, bits int) (int64, error) {
			if i >= len(args) {
				return 0, fmt.Errorf("line %d: %s needs %d operand(s)", lineNo, op, i+1)
			}
			v, err := strconv.ParseInt(args[i], 10, bits)
			if err != nil {
				return 0, fmt.Errorf("line %d: bad operand %q", lineNo, args[i])
			}
			return v, nil
		}

		var err error
		switch op {
		case "note":
			var pitch, vel, dur int64
			if pitch, err = num(0, 8); err == nil {
				if vel, err = num(1, 8); err == nil {
					dur, err = num(2, 17)
				}
			}
			if err == nil {
				cb.Note(uint8(pitch), uint8(vel), uint16(dur))
			}
		case "rest":
			var dur int64
			if dur, err = num(0, 17); err == nil {
				cb.Rest(uint16(dur))
			}
		case "tempo":
			var bpm int64
			if bpm, err = num(0, 17); err == nil {
				cb.Tempo(uint16(bpm))
			}
		case "cc":
			var ctrl, val int64
			if ctrl, err = num(0, 8); err == nil {
				if val, err = num(1, 8); err == nil {
					cb.CC(uint8(ctrl), uint8(val))
				}
			}
		case "transpose":
			var delta int64
			if delta, err = num(0, 8); err == nil {
				cb.Transpose(int8(delta))
			}
		case "stack":
			cb.StackStart()
			blocks = append(blocks, blockStack)
		case "loop":
			var count int64
			if count, err = num(0, 9); err == nil {
				cb.LoopStart(uint8(count))
				blocks = append(blocks, blockLoop)
			}
		case "end":
			if len(blocks) == 0 {
				err = fmt.Errorf("line %d: end without an open block", lineNo)
				break
			}
			if blocks[len(blocks)-1] == blockStack {
				cb.StackEnd()
			} else {
				cb.LoopEnd()
			}
			blocks = blocks[:len(blocks)-1]
		default:
			err = fmt.Errorf("line %d: unknown op %q", lineNo, op)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(blocks) != 0 {
		return nil, fmt.Errorf("%d unterminated block(s) at end of listing", len(blocks))
	}

	return cb.Build()
}
