package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/logger"
	"github.com/square-key-labs/maqsam-agent/src/processors"
)

// AudioConverterProcessor converts audio between telephony codecs and
// sample rates. Place it after the transport input to hand PCM to an STT
// service that cannot take mulaw, or before the transport output when a
// TTS provider cannot synthesize straight to the wire codec.
type AudioConverterProcessor struct {
	*processors.BaseProcessor
	inputSampleRate  int
	inputCodec       string
	outputSampleRate int
	outputCodec      string
}

// AudioConverterConfig holds configuration for audio conversion
type AudioConverterConfig struct {
	InputSampleRate  int    // e.g., 8000, 16000, 24000
	InputCodec       string // Supported: "mulaw"/"ulaw"/"PCMU", "alaw"/"PCMA", "linear16"/"pcm"
	OutputSampleRate int    // e.g., 8000, 16000, 24000
	OutputCodec      string // Supported: "mulaw"/"ulaw"/"PCMU", "alaw"/"PCMA", "linear16"/"pcm"
}

// NewAudioConverterProcessor creates a new audio converter
func NewAudioConverterProcessor(config AudioConverterConfig) *AudioConverterProcessor {
	ac := &AudioConverterProcessor{
		inputSampleRate:  config.InputSampleRate,
		inputCodec:       config.InputCodec,
		outputSampleRate: config.OutputSampleRate,
		outputCodec:      config.OutputCodec,
	}
	ac.BaseProcessor = processors.NewBaseProcessor("AudioConverter", ac)
	return ac
}

func (p *AudioConverterProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch audioFrame := frame.(type) {
	case *frames.AudioFrame:
		convertedData, err := p.convertAudio(audioFrame.Data, audioFrame.SampleRate)
		if err != nil {
			logger.Error("[AudioConverter] Error converting audio: %v", err)
			return p.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}

		newFrame := frames.NewAudioFrame(convertedData, p.outputSampleRate, audioFrame.Channels)
		p.copyAudioMetadata(audioFrame.Metadata(), newFrame)
		return p.PushFrame(newFrame, direction)

	case *frames.TTSAudioFrame:
		convertedData, err := p.convertAudio(audioFrame.Data, audioFrame.SampleRate)
		if err != nil {
			logger.Error("[AudioConverter] Error converting TTS audio: %v", err)
			return p.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}

		newFrame := frames.NewTTSAudioFrame(convertedData, p.outputSampleRate, audioFrame.Channels)
		p.copyAudioMetadata(audioFrame.Metadata(), newFrame)
		return p.PushFrame(newFrame, direction)
	}

	// Pass all other frames through
	return p.PushFrame(frame, direction)
}

func (p *AudioConverterProcessor) copyAudioMetadata(src map[string]interface{}, dst frames.Frame) {
	for k, v := range src {
		dst.SetMetadata(k, v)
	}
	dst.SetMetadata("original_codec", p.inputCodec)
	dst.SetMetadata("codec", p.outputCodec)
}

func (p *AudioConverterProcessor) convertAudio(data []byte, inputRate int) ([]byte, error) {
	// Decode to linear PCM
	var pcm []int16
	var err error

	switch normalizeCodecName(p.inputCodec) {
	case "mulaw":
		pcm = MulawToPCM(data)
	case "alaw":
		pcm = AlawToPCM(data)
	case "linear16":
		pcm, err = BytesToPCM(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported input codec: %s", p.inputCodec)
	}

	// Resample if needed
	if inputRate != p.outputSampleRate {
		pcm = Resample(pcm, inputRate, p.outputSampleRate)
	}

	// Encode to the output codec
	var output []byte
	switch normalizeCodecName(p.outputCodec) {
	case "linear16":
		output = PCMToBytes(pcm)
	case "mulaw":
		output = PCMToMulaw(pcm)
	case "alaw":
		output = PCMToAlaw(pcm)
	default:
		return nil, fmt.Errorf("unsupported output codec: %s", p.outputCodec)
	}

	return output, nil
}

// normalizeCodecName folds codec name variations (RTP payload names,
// provider spellings) to a canonical form
func normalizeCodecName(codec string) string {
	switch codec {
	case "mulaw", "ulaw", "PCMU":
		return "mulaw"
	case "alaw", "PCMA":
		return "alaw"
	case "linear16", "pcm", "PCM":
		return "linear16"
	default:
		return codec
	}
}

// MulawToPCM converts mulaw audio to linear PCM int16
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = mulawDecode(val)
	}
	return pcm
}

// PCMToMulaw converts linear PCM int16 to mulaw
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		mulaw[i] = mulawEncode(val)
	}
	return mulaw
}

// BytesToPCM converts byte array to int16 PCM (little-endian)
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := 0; i < len(pcm); i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes converts int16 PCM to byte array (little-endian)
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// Resample performs linear interpolation resampling. Good enough for
// 8kHz telephony audio; anything hi-fi deserves a real resampler.
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLen := int(float64(len(input)) / ratio)
	output := make([]int16, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 < len(input) {
			sample1 := float64(input[srcIdx])
			sample2 := float64(input[srcIdx+1])
			output[i] = int16(sample1 + (sample2-sample1)*frac)
		} else if srcIdx < len(input) {
			output[i] = input[srcIdx]
		}
	}

	return output
}

// G.711 mu-law
const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

func mulawDecode(mulaw byte) int16 {
	return mulawDecodeTable[mulaw]
}

func mulawEncode(pcm int16) byte {
	// Widen before negating; -32768 has no int16 counterpart
	v := int(pcm)

	sign := uint8(0)
	if v < 0 {
		sign = 0x80
		v = -v
	}

	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	// Segment is the position of the highest set bit above bit 7
	var exponent uint8
	for exponent = 7; exponent > 0; exponent-- {
		if v >= 1<<(exponent+7) {
			break
		}
	}
	mantissa := uint8((v >> (exponent + 3)) & 0x0F)

	// Mu-law transmits the byte inverted
	return ^(sign | (exponent << 4) | mantissa)
}

// G.711 A-law
const (
	alawClip = 32767
)

var alawDecodeTable = [256]int16{
	-5504, -5248, -6016, -5760, -4480, -4224, -4992, -4736,
	-7552, -7296, -8064, -7808, -6528, -6272, -7040, -6784,
	-2752, -2624, -3008, -2880, -2240, -2112, -2496, -2368,
	-3776, -3648, -4032, -3904, -3264, -3136, -3520, -3392,
	-22016, -20992, -24064, -23040, -17920, -16896, -19968, -18944,
	-30208, -29184, -32256, -31232, -26112, -25088, -28160, -27136,
	-11008, -10496, -12032, -11520, -8960, -8448, -9984, -9472,
	-15104, -14592, -16128, -15616, -13056, -12544, -14080, -13568,
	-344, -328, -376, -360, -280, -264, -312, -296,
	-472, -456, -504, -488, -408, -392, -440, -424,
	-88, -72, -120, -104, -24, -8, -56, -40,
	-216, -200, -248, -232, -152, -136, -184, -168,
	-1376, -1312, -1504, -1440, -1120, -1056, -1248, -1184,
	-1888, -1824, -2016, -1952, -1632, -1568, -1760, -1696,
	-688, -656, -752, -720, -560, -528, -624, -592,
	-944, -912, -1008, -976, -816, -784, -880, -848,
	5504, 5248, 6016, 5760, 4480, 4224, 4992, 4736,
	7552, 7296, 8064, 7808, 6528, 6272, 7040, 6784,
	2752, 2624, 3008, 2880, 2240, 2112, 2496, 2368,
	3776, 3648, 4032, 3904, 3264, 3136, 3520, 3392,
	22016, 20992, 24064, 23040, 17920, 16896, 19968, 18944,
	30208, 29184, 32256, 31232, 26112, 25088, 28160, 27136,
	11008, 10496, 12032, 11520, 8960, 8448, 9984, 9472,
	15104, 14592, 16128, 15616, 13056, 12544, 14080, 13568,
	344, 328, 376, 360, 280, 264, 312, 296,
	472, 456, 504, 488, 408, 392, 440, 424,
	88, 72, 120, 104, 24, 8, 56, 40,
	216, 200, 248, 232, 152, 136, 184, 168,
	1376, 1312, 1504, 1440, 1120, 1056, 1248, 1184,
	1888, 1824, 2016, 1952, 1632, 1568, 1760, 1696,
	688, 656, 752, 720, 560, 528, 624, 592,
	944, 912, 1008, 976, 816, 784, 880, 848,
}

// AlawToPCM converts A-law audio to linear PCM int16
func AlawToPCM(alaw []byte) []int16 {
	pcm := make([]int16, len(alaw))
	for i, val := range alaw {
		pcm[i] = alawDecode(val)
	}
	return pcm
}

// PCMToAlaw converts linear PCM int16 to A-law
func PCMToAlaw(pcm []int16) []byte {
	alaw := make([]byte, len(pcm))
	for i, val := range pcm {
		alaw[i] = alawEncode(val)
	}
	return alaw
}

func alawDecode(alaw byte) int16 {
	return alawDecodeTable[alaw]
}

func alawEncode(pcm int16) byte {
	// A-law sign bit is set for positive samples
	sign := uint8(0x80)
	v := int(pcm)
	if v < 0 {
		sign = 0
		v = -v - 1
	}

	if v > alawClip {
		v = alawClip
	}

	var alaw uint8
	if v >= 256 {
		exponent := uint8(7)
		for mask := 0x4000; v&mask == 0 && exponent > 1; mask >>= 1 {
			exponent--
		}
		mantissa := uint8((v >> (exponent + 3)) & 0x0F)
		alaw = (exponent << 4) | mantissa
	} else {
		alaw = uint8(v >> 4)
	}

	return (sign | alaw) ^ 0x55
}

// ClipAudio clips audio samples to prevent overflow
func ClipAudio(pcm []int16, maxValue int16) []int16 {
	output := make([]int16, len(pcm))
	for i, val := range pcm {
		if val > maxValue {
			output[i] = maxValue
		} else if val < -maxValue {
			output[i] = -maxValue
		} else {
			output[i] = val
		}
	}
	return output
}

// NormalizeAudio normalizes audio to a target RMS level
func NormalizeAudio(pcm []int16, targetRMS float64) []int16 {
	if len(pcm) == 0 {
		return pcm
	}

	var sum float64
	for _, val := range pcm {
		sum += float64(val) * float64(val)
	}
	currentRMS := math.Sqrt(sum / float64(len(pcm)))

	if currentRMS == 0 {
		return pcm
	}

	gain := targetRMS / currentRMS

	output := make([]int16, len(pcm))
	for i, val := range pcm {
		scaled := float64(val) * gain
		if scaled > 32767 {
			output[i] = 32767
		} else if scaled < -32768 {
			output[i] = -32768
		} else {
			output[i] = int16(scaled)
		}
	}

	return output
}
