// Package darknet reads Darknet model and dataset descriptions.
//
// A model description is an INI-like file of repeated sections such as
// [net], [convolutional], [shortcut], [route], [upsample], [maxpool] and
// [yolo]. Section order is significant: the network is built in file order
// and route/shortcut layers address earlier layers by index.
package darknet

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// ModuleDef is one section of a model description.
type ModuleDef struct {
	Type   string
	Values map[string]string
}

func (m ModuleDef) Has(key string) bool {
	_, ok := m.Values[key]
	return ok
}

func (m ModuleDef) String(key, def string) string {
	if v, ok := m.Values[key]; ok {
		return v
	}
	return def
}

func (m ModuleDef) Int(key string, def int) (int, error) {
	v, ok := m.Values[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.Wrapf(err, "[%s] %s", m.Type, key)
	}
	return n, nil
}

func (m ModuleDef) Float(key string, def float64) (float64, error) {
	v, ok := m.Values[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "[%s] %s", m.Type, key)
	}
	return f, nil
}

// Ints parses a comma separated list such as "-1, 61".
func (m ModuleDef) Ints(key string) ([]int, error) {
	fs, err := m.Floats(key)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = int(f)
	}
	return out, nil
}

func (m ModuleDef) Floats(key string) ([]float64, error) {
	v, ok := m.Values[key]
	if !ok {
		return nil, errors.Errorf("[%s] missing key %q", m.Type, key)
	}
	var out []float64
	for _, field := range strings.Split(v, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		f, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "[%s] %s", m.Type, key)
		}
		out = append(out, f)
	}
	return out, nil
}

// ParseModelConfig reads a Darknet .cfg file. The first definition must be
// [net]; convolutional sections default batch_normalize to 0.
func ParseModelConfig(path string) ([]ModuleDef, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		AllowNonUniqueSections: true,
		SkipUnrecognizableLines: true,
	}, path)
	if err != nil {
		return nil, errors.Wrapf(err, "load model config %s", path)
	}

	var defs []ModuleDef
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		def := ModuleDef{
			Type:   strings.TrimSpace(sec.Name()),
			Values: map[string]string{},
		}
		if def.Type == "convolutional" {
			def.Values["batch_normalize"] = "0"
		}
		for _, k := range sec.Keys() {
			def.Values[strings.TrimSpace(k.Name())] = strings.TrimSpace(k.Value())
		}
		defs = append(defs, def)
	}

	if len(defs) == 0 {
		return nil, errors.Errorf("model config %s has no sections", path)
	}
	if defs[0].Type != "net" && defs[0].Type != "network" {
		return nil, errors.Errorf("model config %s must start with [net], got [%s]", path, defs[0].Type)
	}
	return defs, nil
}

// DataConfig is a parsed .data file.
type DataConfig struct {
	Classes int
	Train   string
	Valid   string
	Names   string
	Backup  string
	Eval    string
}

// ParseDataConfig reads a key=value dataset description. classes is
// required; paths are returned as written.
func ParseDataConfig(path string) (DataConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return DataConfig{}, errors.Wrapf(err, "load data config %s", path)
	}
	sec := f.Section(ini.DefaultSection)
	if !sec.HasKey("classes") {
		return DataConfig{}, errors.Errorf("data config %s: missing classes", path)
	}
	classes, err := sec.Key("classes").Int()
	if err != nil || classes <= 0 {
		return DataConfig{}, errors.Errorf("data config %s: invalid classes %q", path, sec.Key("classes").String())
	}
	return DataConfig{
		Classes: classes,
		Train:   sec.Key("train").String(),
		Valid:   sec.Key("valid").String(),
		Names:   sec.Key("names").String(),
		Backup:  sec.Key("backup").String(),
		Eval:    sec.Key("eval").String(),
	}, nil
}

// LoadClassNames reads one class name per non-empty line.
func LoadClassNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open class names")
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			names = append(names, line)
		}
	}
	return names, errors.Wrap(sc.Err(), "read class names")
}
