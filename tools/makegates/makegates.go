package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
)

// The number of IDT vectors on amd64.
const gateCount = 256

// errorCodeVectors lists the exceptions for which the CPU pushes an error
// code before invoking the gate.
var errorCodeVectors = map[int]bool{
	8:  true, // double fault
	10: true, // invalid TSS
	11: true, // segment not present
	12: true, // stack segment fault
	13: true, // general protection fault
	14: true, // page fault
	17: true, // alignment check
	21: true, // control protection
	29: true, // VMM communication
	30: true, // security exception
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[makegates] error: %s\n", err.Error())
	os.Exit(1)
}

// genGateFile emits one entry stub per vector plus the table that maps a
// vector to its stub. Each stub pushes a dummy error code when the CPU does
// not push one so that every vector shares the same frame layout.
func genGateFile() []byte {
	var buf bytes.Buffer

	fmt.Fprint(&buf, "// Code generated by makegates; DO NOT EDIT.\n\n")
	fmt.Fprint(&buf, "#include \"textflag.h\"\n")

	for vector := 0; vector < gateCount; vector++ {
		fmt.Fprintf(&buf, "\nTEXT gateEntry%d<>(SB),NOSPLIT,$0\n", vector)
		if !errorCodeVectors[vector] {
			fmt.Fprint(&buf, "\tPUSHQ $0\n")
		}
		fmt.Fprintf(&buf, "\tPUSHQ $%d\n", vector)
		fmt.Fprint(&buf, "\tJMP ·gateCommon(SB)\n")
	}

	fmt.Fprint(&buf, "\n")
	for vector := 0; vector < gateCount; vector++ {
		fmt.Fprintf(&buf, "DATA gateEntryTable<>+%d(SB)/8, $gateEntry%d<>(SB)\n", vector*8, vector)
	}
	fmt.Fprintf(&buf, "GLOBL gateEntryTable<>(SB), RODATA, $%d\n", gateCount*8)

	fmt.Fprint(&buf, `
// func gateEntryAddr(vector uint8) uintptr
TEXT ·gateEntryAddr(SB),NOSPLIT,$0-16
	MOVBQZX vector+0(FP), AX
	LEAQ gateEntryTable<>(SB), BX
	MOVQ (BX)(AX*8), AX
	MOVQ AX, ret+8(FP)
	RET
`)

	return buf.Bytes()
}

func runTool() error {
	output := flag.String("out", "-", "a file to write the generated assembly or - to output to STDOUT")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "makegates: generate the amd64 interrupt gate entry stubs\n\n")
		fmt.Fprint(os.Stderr, "Usage: makegates [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	data := genGateFile()

	switch *output {
	case "-":
		_, err := os.Stdout.Write(data)
		return err
	default:
		return os.WriteFile(*output, data, 0644)
	}
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
