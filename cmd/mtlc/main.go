// Command mtlc compiles a pipeline layout and translates one shader entry
// point against it, printing the binding map and the generated MSL.
//
// Usage:
//
//	mtlc -layout layout.yaml -shader shader.wgsl -stage fragment -entry fs_main
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/gogpu/mtlhal"
	"github.com/gogpu/mtlhal/native/soft"
)

func main() {
	var (
		layoutPath = flag.String("layout", "", "pipeline layout description (YAML)")
		shaderPath = flag.String("shader", "", "WGSL shader module")
		stageName  = flag.String("stage", "fragment", "entry point stage: vertex, fragment or compute")
		entry      = flag.String("entry", "main", "entry point name")
		spec       = flag.String("spec", "", "specialization constants, id=value pairs separated by commas")
		verbose    = flag.Bool("v", false, "log debug diagnostics to stderr")
	)
	flag.Parse()

	if *layoutPath == "" {
		log.Fatal("mtlc: -layout is required")
	}
	if *verbose {
		mtlhal.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	if err := run(os.Stdout, *layoutPath, *shaderPath, *stageName, *entry, *spec); err != nil {
		log.Fatalf("mtlc: %v", err)
	}
}

func run(w io.Writer, layoutPath, shaderPath, stageName, entry, spec string) error {
	f, err := os.Open(layoutPath)
	if err != nil {
		return err
	}
	desc, err := readLayoutFile(f)
	f.Close()
	if err != nil {
		return err
	}

	dev, err := mtlhal.NewDevice(soft.New(soft.Options{}), mtlhal.WithConfig(desc.config()))
	if err != nil {
		return err
	}
	defer dev.Destroy()

	layout, err := desc.build(dev)
	if err != nil {
		return err
	}
	printLayout(w, layout)

	if shaderPath == "" {
		return nil
	}
	stage, ok := mtlhal.ParseStage(stageName)
	if !ok {
		return fmt.Errorf("unknown stage %q", stageName)
	}
	specialization, err := parseSpecialization(spec)
	if err != nil {
		return err
	}
	code, err := os.ReadFile(shaderPath)
	if err != nil {
		return err
	}
	mod, err := dev.CreateShaderModule(&mtlhal.ShaderModuleDescriptor{
		Label: shaderPath,
		Code:  string(code),
	})
	if err != nil {
		return err
	}
	tr, err := dev.TranslateShader(stage, &mtlhal.ShaderStageDescriptor{
		Module:         mod,
		EntryPoint:     entry,
		Specialization: specialization,
	}, layout)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\n// translator: %s\n", tr.Translator)
	if name, ok := tr.EntryPoints[entry]; ok && name != entry {
		fmt.Fprintf(w, "// entry: %s -> %s\n", entry, name)
	}
	if stage == mtlhal.StageCompute {
		fmt.Fprintf(w, "// workgroup: %v\n", tr.Workgroup)
	}
	fmt.Fprintln(w, tr.Source)
	return nil
}

// printLayout writes the per-stage slot usage and the binding map.
func printLayout(w io.Writer, l *mtlhal.PipelineLayout) {
	for _, s := range []mtlhal.Stage{mtlhal.StageVertex, mtlhal.StageFragment, mtlhal.StageCompute} {
		info := l.StageInfo(s)
		c := info.Counters
		fmt.Fprintf(w, "%-8s buffers=%d textures=%d samplers=%d", s, c.Buffers, c.Textures, c.Samplers)
		if info.PushConstants != nil {
			fmt.Fprintf(w, " push-constants=buffer(%d)x%dw", info.PushConstants.Slot, info.PushConstants.Words)
		}
		if info.SizesBuffer != nil {
			fmt.Fprintf(w, " sizes=buffer(%d)", *info.SizesBuffer)
		}
		fmt.Fprintln(w)
	}
	for _, e := range l.Bindings() {
		fmt.Fprintf(w, "%-8s set=%d binding=%d -> %s\n", e.Key.Stage, e.Key.Set, e.Key.Binding, e.Target)
	}
	for set := range l.SetLayouts() {
		for _, s := range []mtlhal.Stage{mtlhal.StageVertex, mtlhal.StageFragment, mtlhal.StageCompute} {
			if slot, ok := l.ArgumentBufferSlot(s, uint32(set)); ok {
				fmt.Fprintf(w, "%-8s set=%d -> argument-buffer(%d)\n", s, set, slot)
			}
		}
	}
}

// parseSpecialization parses "1=0.5,7=3".
func parseSpecialization(s string) (mtlhal.Specialization, error) {
	var spec mtlhal.Specialization
	if s == "" {
		return spec, nil
	}
	for _, pair := range strings.Split(s, ",") {
		id, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return spec, fmt.Errorf("specialization %q: want id=value", pair)
		}
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return spec, fmt.Errorf("specialization id %q: %w", id, err)
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return spec, fmt.Errorf("specialization value %q: %w", value, err)
		}
		spec.Constants = append(spec.Constants, mtlhal.SpecConstant{ID: uint32(n), Value: v})
	}
	return spec, nil
}
