package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/peterh/liner"
	"gopkg.in/urfave/cli.v1"

	"github.com/KTStephano/regvm/vm"
)

func main() {
	app := cli.NewApp()
	app.Name = "gvm"
	app.Usage = "register-based bytecode VM"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "registers", Value: 32, Usage: "register file size"},
	}
	app.Commands = []cli.Command{
		runCommand,
		verifyCommand,
		disasmCommand,
		debugCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gvm:", err)
		os.Exit(1)
	}
}

var runCommand = cli.Command{
	Name:      "run",
	Usage:     "verify and execute a compiled program",
	ArgsUsage: "<file.gvmc>",
	Action: func(c *cli.Context) error {
		bc, err := loadProgram(c)
		if err != nil {
			return err
		}
		v := vm.New(vm.Options{NumRegisters: c.GlobalInt("registers"), Stdout: os.Stdout})
		defer v.Close()
		v.Load(bc)
		if err := v.Run(); err != nil {
			return fmt.Errorf("run: %w", err)
		}
		return nil
	},
}

var verifyCommand = cli.Command{
	Name:      "verify",
	Usage:     "run the structural verifier without executing",
	ArgsUsage: "<file.gvmc>",
	Action: func(c *cli.Context) error {
		bc, err := loadProgram(c)
		if err != nil {
			return err
		}
		if err := vm.Verify(bc); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}

var disasmCommand = cli.Command{
	Name:      "disasm",
	Usage:     "disassemble a compiled program",
	ArgsUsage: "<file.gvmc>",
	Action: func(c *cli.Context) error {
		bc, err := loadProgram(c)
		if err != nil {
			return err
		}
		return disassembleColored(bc, os.Stdout)
	},
}

var debugCommand = cli.Command{
	Name:      "debug",
	Usage:     "interactive single-step debugger",
	ArgsUsage: "<file.gvmc>",
	Action: func(c *cli.Context) error {
		bc, err := loadProgram(c)
		if err != nil {
			return err
		}
		v := vm.New(vm.Options{NumRegisters: c.GlobalInt("registers"), Stdout: os.Stdout})
		defer v.Close()
		v.Load(bc)
		return runDebugger(v)
	},
}

func loadProgram(c *cli.Context) (*vm.Bytecode, error) {
	path := c.Args().First()
	if path == "" {
		return nil, fmt.Errorf("missing program path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	bc, err := decodeProgram(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return bc, nil
}

// decodeProgram reads the on-disk container format: a little-endian
// u32 code length, the raw code bytes, a little-endian u32 constant
// count, then each constant as a tag byte followed by its payload
// (i64 for INT, f64 for DOUBLE, u32 length + bytes for STRING, two u32
// for FUNCTION{start,nargs}).
func decodeProgram(r io.Reader) (*vm.Bytecode, error) {
	br := bufio.NewReader(r)
	bc := vm.NewBytecode()

	var codeLen uint32
	if err := binary.Read(br, binary.LittleEndian, &codeLen); err != nil {
		return nil, fmt.Errorf("read code length: %w", err)
	}
	code := make([]byte, codeLen)
	if _, err := io.ReadFull(br, code); err != nil {
		return nil, fmt.Errorf("read code: %w", err)
	}
	bc.Code = code

	var constCount uint32
	if err := binary.Read(br, binary.LittleEndian, &constCount); err != nil {
		return nil, fmt.Errorf("read constant count: %w", err)
	}
	for i := uint32(0); i < constCount; i++ {
		tag, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read constant %d tag: %w", i, err)
		}
		switch vm.ConstKind(tag) {
		case vm.ConstInt:
			var v int64
			if err := binary.Read(br, binary.LittleEndian, &v); err != nil {
				return nil, fmt.Errorf("read int constant %d: %w", i, err)
			}
			bc.AddConstInt(v)
		case vm.ConstDouble:
			var v float64
			if err := binary.Read(br, binary.LittleEndian, &v); err != nil {
				return nil, fmt.Errorf("read double constant %d: %w", i, err)
			}
			bc.AddConstDouble(v)
		case vm.ConstString:
			var n uint32
			if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
				return nil, fmt.Errorf("read string constant %d length: %w", i, err)
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, fmt.Errorf("read string constant %d: %w", i, err)
			}
			bc.AddConstString(string(buf))
		case vm.ConstFunction:
			var start, nargs uint32
			if err := binary.Read(br, binary.LittleEndian, &start); err != nil {
				return nil, fmt.Errorf("read function constant %d start: %w", i, err)
			}
			if err := binary.Read(br, binary.LittleEndian, &nargs); err != nil {
				return nil, fmt.Errorf("read function constant %d nargs: %w", i, err)
			}
			bc.AddConstFunction(start, nargs)
		default:
			return nil, fmt.Errorf("constant %d: unknown constant tag %d", i, tag)
		}
	}
	return bc, nil
}

func disassembleColored(bc *vm.Bytecode, w io.Writer) error {
	var buf strings.Builder
	if err := vm.Disassemble(bc, &buf); err != nil {
		return err
	}
	mnemonic := color.New(color.FgCyan)
	offset := color.New(color.FgHiBlack)
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
		if len(parts) != 2 {
			fmt.Fprintln(w, line)
			continue
		}
		offIdx := strings.Index(line, ":")
		if offIdx < 0 {
			fmt.Fprintln(w, line)
			continue
		}
		offset.Fprint(w, line[:offIdx+1])
		mnemonic.Fprintln(w, line[offIdx+1:])
	}
	return nil
}

// runDebugger implements the interactive single-step loop: n (next),
// r (print registers), d <reg> (dump a heap object via spew), and
// bare Enter to repeat the previous command.
func runDebugger(v *vm.VM) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	reg := color.New(color.FgGreen)
	val := color.New(color.FgWhite)
	bad := color.New(color.FgRed)

	last := "n"
	for {
		input, err := line.Prompt(fmt.Sprintf("(gvm ip=%d) ", v.IP()))
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return nil
			}
			return err
		}
		line.AppendHistory(input)
		input = strings.TrimSpace(input)
		if input == "" {
			input = last
		}
		last = input

		fields := strings.Fields(input)
		switch fields[0] {
		case "n", "next":
			halted, err := v.Step()
			if err != nil {
				bad.Println(err)
				return nil
			}
			if halted {
				fmt.Println("program halted")
				return nil
			}
		case "r", "regs":
			for i := 0; i < v.NumRegisters(); i++ {
				reg.Printf("r%d: ", i)
				val.Println(describeRegister(v, i))
			}
		case "d", "dump":
			if len(fields) < 2 {
				bad.Println("usage: dump <reg>")
				continue
			}
			idx, err := strconv.Atoi(fields[1])
			if err != nil {
				bad.Println(err)
				continue
			}
			rv := v.Register(idx)
			if !rv.IsObject() {
				bad.Println("not an object register")
				continue
			}
			spew.Dump(objectTree(v, rv.Idx, map[int]bool{}))
		case "q", "quit":
			return nil
		default:
			bad.Println("unknown command:", fields[0])
		}
	}
}

// objectDump is the resolved shape spew.Dump renders for the
// debugger's "dump" command: a heap object's index and its full field
// vector, with nested OBJECT fields resolved recursively so a closure
// dump shows its captures' own structure, not just raw indices.
type objectDump struct {
	Idx    int
	Fields []interface{}
}

// objectTree walks idx's field vector, replacing any OBJECT field with
// its own resolved objectDump. seen guards against a cycle between
// live objects turning this into an infinite recursion.
func objectTree(v *vm.VM, idx int, seen map[int]bool) interface{} {
	if seen[idx] {
		return fmt.Sprintf("OBJECT(idx=%d) <cycle>", idx)
	}
	fields, ok := v.ObjectFields(idx)
	if !ok {
		return fmt.Sprintf("OBJECT(idx=%d) <dead>", idx)
	}
	seen[idx] = true
	out := make([]interface{}, len(fields))
	for i, f := range fields {
		if f.IsObject() {
			out[i] = objectTree(v, f.Idx, seen)
		} else {
			out[i] = f
		}
	}
	return objectDump{Idx: idx, Fields: out}
}

func describeRegister(v *vm.VM, i int) string {
	rv := v.Register(i)
	if rv.IsString() {
		b, ok := v.StringAt(rv.Idx)
		if !ok {
			return "STRING <oob>"
		}
		return fmt.Sprintf("STRING %q", string(b))
	}
	return rv.String()
}
