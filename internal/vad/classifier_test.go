package vad

import (
	"encoding/binary"
	"testing"
)

func pcmFrame(amplitude int16, n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], uint16(amplitude))
	}
	return buf
}

func TestEnergyClassifier_SilenceBelowThreshold(t *testing.T) {
	c := NewEnergyClassifier(2)
	frame := pcmFrame(10, 480)
	if c.IsSpeech(frame) {
		t.Error("expected near-zero amplitude frame to classify as silence")
	}
}

func TestEnergyClassifier_SpeechAboveThreshold(t *testing.T) {
	c := NewEnergyClassifier(2)
	frame := pcmFrame(5000, 480)
	if !c.IsSpeech(frame) {
		t.Error("expected high amplitude frame to classify as speech")
	}
}

func TestEnergyClassifier_HigherAggressivenessIsStricter(t *testing.T) {
	frame := pcmFrame(600, 480)
	lenient := NewEnergyClassifier(0)
	strict := NewEnergyClassifier(3)

	if !lenient.IsSpeech(frame) {
		t.Error("expected lenient classifier to call moderate energy speech")
	}
	if strict.IsSpeech(frame) {
		t.Error("expected strict classifier to call the same energy silence")
	}
}

func TestNewEnergyClassifier_ClampsAggressiveness(t *testing.T) {
	tooLow := NewEnergyClassifier(-5)
	tooHigh := NewEnergyClassifier(99)
	if tooLow.threshold != energyThresholds[0] {
		t.Errorf("threshold = %v, want %v", tooLow.threshold, energyThresholds[0])
	}
	if tooHigh.threshold != energyThresholds[3] {
		t.Errorf("threshold = %v, want %v", tooHigh.threshold, energyThresholds[3])
	}
}
