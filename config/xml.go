// Package config loads sensor and map configuration from XML resources
// using a streaming token decoder, the same idiom the attribute-heavy
// project/wogi configuration files in this stack have always been read with
// rather than a single xml.Unmarshal into tagged structs.
package config

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
)

// SensorConfig mirrors the calibration block consumed by the sensormodel package.
type SensorConfig struct {
	FocalLengthU   float64
	FocalLengthV   float64
	PrincipalPtU   float64
	PrincipalPtV   float64
	VarU           float64
	VarV           float64
	DistVarCoefs   [4]float64
	ImageWidth     int
	ImageHeight    int
	PoseTx, PoseTy, PoseTz float64
	PoseQx, PoseQy, PoseQz, PoseQw float64
}

// MapConfig mirrors the tunables read by the featuresmap/optimizer packages.
type MapConfig struct {
	UseUncertainty           bool
	Edges3DPruningThreshold  float64
	WeakFeatureThr           uint32
	FixVertices              bool
	OptimizationIterations   int
	FrameCacheSize           int
	RobustKernelName         string
	RobustKernelDelta        float64
}

// DefaultMapConfig returns tunables matching spec.md's defaults: uncertainty
// weighting off, pruning and weak-feature removal disabled, no fixed vertices.
func DefaultMapConfig() MapConfig {
	return MapConfig{
		UseUncertainty:          false,
		Edges3DPruningThreshold: 0,
		WeakFeatureThr:          0,
		FixVertices:             false,
		OptimizationIterations:  10,
		FrameCacheSize:          512,
	}
}

// LoadSensorConfig reads a <sensorModel> XML document like:
//
//	<sensorModel>
//	  <focalLength u="525.0" v="525.0"/>
//	  <focalAxis u="319.5" v="239.5"/>
//	  <variance u="0.75" v="0.75"/>
//	  <varCoefs c0="0.0" c1="0.0" c2="0.0008" c3="0.0"/>
//	  <resolution width="640" height="480"/>
//	  <pose tx="0" ty="0" tz="0" qx="0" qy="0" qz="0" qw="1"/>
//	</sensorModel>
func LoadSensorConfig(path string) (SensorConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return SensorConfig{}, fmt.Errorf("open sensor config: %w", err)
	}
	defer f.Close()

	cfg := SensorConfig{PoseQw: 1.0}
	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return SensorConfig{}, fmt.Errorf("decode sensor config: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "focalLength":
			cfg.FocalLengthU = parseFloatAttr(start, "u", cfg.FocalLengthU)
			cfg.FocalLengthV = parseFloatAttr(start, "v", cfg.FocalLengthV)
		case "focalAxis":
			cfg.PrincipalPtU = parseFloatAttr(start, "u", cfg.PrincipalPtU)
			cfg.PrincipalPtV = parseFloatAttr(start, "v", cfg.PrincipalPtV)
		case "variance":
			cfg.VarU = parseFloatAttr(start, "u", cfg.VarU)
			cfg.VarV = parseFloatAttr(start, "v", cfg.VarV)
		case "varCoefs":
			cfg.DistVarCoefs[0] = parseFloatAttr(start, "c0", 0)
			cfg.DistVarCoefs[1] = parseFloatAttr(start, "c1", 0)
			cfg.DistVarCoefs[2] = parseFloatAttr(start, "c2", 0)
			cfg.DistVarCoefs[3] = parseFloatAttr(start, "c3", 0)
		case "resolution":
			cfg.ImageWidth = parseIntAttr(start, "width", cfg.ImageWidth)
			cfg.ImageHeight = parseIntAttr(start, "height", cfg.ImageHeight)
		case "pose":
			cfg.PoseTx = parseFloatAttr(start, "tx", 0)
			cfg.PoseTy = parseFloatAttr(start, "ty", 0)
			cfg.PoseTz = parseFloatAttr(start, "tz", 0)
			cfg.PoseQx = parseFloatAttr(start, "qx", 0)
			cfg.PoseQy = parseFloatAttr(start, "qy", 0)
			cfg.PoseQz = parseFloatAttr(start, "qz", 0)
			cfg.PoseQw = parseFloatAttr(start, "qw", 1)
		}
	}
	if cfg.FocalLengthU == 0 || cfg.FocalLengthV == 0 {
		return SensorConfig{}, fmt.Errorf("sensor config %s: missing focalLength", path)
	}
	return cfg, nil
}

// LoadMapConfig reads a <mapConfig> XML document like:
//
//	<mapConfig>
//	  <uncertainty use="true"/>
//	  <pruning threshold="5.99"/>
//	  <weakFeatures minObservations="2"/>
//	  <vertices fix="false"/>
//	  <optimizer iterations="15" kernel="huber" delta="1.0"/>
//	  <frameCache size="512"/>
//	</mapConfig>
func LoadMapConfig(path string) (MapConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return MapConfig{}, fmt.Errorf("open map config: %w", err)
	}
	defer f.Close()

	cfg := DefaultMapConfig()
	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return MapConfig{}, fmt.Errorf("decode map config: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "uncertainty":
			cfg.UseUncertainty = attrValue(start, "use") == "true"
		case "pruning":
			cfg.Edges3DPruningThreshold = parseFloatAttr(start, "threshold", 0)
		case "weakFeatures":
			cfg.WeakFeatureThr = uint32(parseIntAttr(start, "minObservations", 0))
		case "vertices":
			cfg.FixVertices = attrValue(start, "fix") == "true"
		case "optimizer":
			cfg.OptimizationIterations = parseIntAttr(start, "iterations", cfg.OptimizationIterations)
			cfg.RobustKernelName = attrValue(start, "kernel")
			cfg.RobustKernelDelta = parseFloatAttr(start, "delta", 1.0)
		case "frameCache":
			cfg.FrameCacheSize = parseIntAttr(start, "size", cfg.FrameCacheSize)
		}
	}
	return cfg, nil
}

func attrValue(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func parseFloatAttr(start xml.StartElement, name string, def float64) float64 {
	v := attrValue(start, name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func parseIntAttr(start xml.StartElement, name string, def int) int {
	v := attrValue(start, name)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
