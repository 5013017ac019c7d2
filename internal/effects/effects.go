// Package effects is the stylistic policy oracle for the pipeline: a tiered
// catalog of video filter expressions plus per-daypart mood profiles that
// control effect weighting, playback speed, and overlay compositing.
package effects

import (
	"math/rand"
	"strings"
)

// Tier classifies how aggressive an effect is.
type Tier int

const (
	TierLight Tier = iota
	TierMedium
	TierHeavy
)

// Per-clip stacking caps.
const (
	maxMediumPerClip = 2
	maxHeavyPerClip  = 1
)

// Effect is a named, pre-validated FFmpeg video filter fragment.
type Effect struct {
	Name   string
	Filter string
}

// Light effects — subtle, can stack freely.
var lightEffects = []Effect{
	{"warm_shift", "colorbalance=rs=0.15:gs=-0.05:bs=-0.1"},
	{"cool_shift", "colorbalance=rs=-0.1:gs=0.05:bs=0.15"},
	{"high_saturation", "eq=saturation=1.5"},
	{"low_saturation", "eq=saturation=0.6"},
	{"hue_drift", "hue=H=2*PI*t/10"},
	{"vignette", "vignette=PI/4"},
	{"soft_blur", "gblur=sigma=1.5"},
	{"brightness_boost", "eq=brightness=0.08:contrast=1.1"},
	{"dark_contrast", "eq=brightness=-0.05:contrast=1.3"},
	{"slight_hue_rotate", "hue=h=30"},
	{"sepia", "colorchannelmixer=.393:.769:.189:0:.349:.686:.168:0:.272:.534:.131"},
}

// Medium effects — more noticeable, at most two per clip.
var mediumEffects = []Effect{
	{"frame_blend", "tblend=all_mode=average"},
	{"frame_blend_screen", "tblend=all_mode=screen"},
	{"rgba_shift", "rgbashift=rh=-3:bh=3"},
	{"film_grain", "noise=alls=20:allf=t+u"},
	{"cross_process", "curves=preset=cross_process"},
	{"vintage", "curves=preset=vintage"},
	{"negative", "curves=preset=negative"},
	{"chromatic_aberration", "rgbashift=rh=5:rv=-2:bh=-5:bv=2"},
	{"posterize", "lutyuv=y='bitand(val,240)':u='bitand(val,240)':v='bitand(val,240)'"},
	{"scan_lines", "drawgrid=w=0:h=2:t=1:c=black@0.3"},
	{"color_bleed", "gblur=sigma=3,rgbashift=rh=8:bh=-8"},
	{"red_channel", "colorchannelmixer=rr=1:rg=0:rb=0:gg=0:bb=0"},
	{"blue_channel", "colorchannelmixer=rr=0:gg=0:bb=1:bg=0:br=0"},
}

// Heavy effects — dramatic, at most one per clip.
var heavyEffects = []Effect{
	{"edge_glow", "edgedetect=low=0.1:high=0.3:mode=colormix"},
	{"pixelate", "scale=iw/8:ih/8:flags=neighbor,scale=iw*8:ih*8:flags=neighbor"},
	{"psychedelic_hue", "hue=H=2*PI*t/3:s=3"},
	{"quad_mirror", "crop=iw/2:ih/2:0:0,split[a][b];[a]hflip[c];[b][c]hstack,split[d][e];[d]vflip[f];[e][f]vstack"},
	{"heavy_trails", "tblend=all_mode=addition:all_opacity=0.7"},
	{"solarize", "lutyuv=y='if(gt(val,128),256-val,val)*2'"},
	{"glitch", "noise=alls=40:allf=t,rgbashift=rh=10:rv=5:bh=-10:bv=-3"},
	{"deep_pixelate", "scale=iw/16:ih/16:flags=neighbor,scale=iw*16:ih*16:flags=neighbor"},
}

// incompatiblePairs lists effects that clash and are never picked together.
var incompatiblePairs = [][2]string{
	{"edge_glow", "high_saturation"},
}

// Profile controls the mood of a daypart.
type Profile struct {
	// TierWeights are the light/medium/heavy selection probabilities.
	// They must sum to 1.
	TierWeights [3]float64

	// SpeedRange bounds the PTS multiplier. Values > 1 slow playback
	// (longer output), values < 1 accelerate it.
	SpeedRange [2]float64

	// OverlayChance is the probability of a two-clip blend composite.
	OverlayChance float64

	// BlendModes are the permitted blend filter modes for overlays.
	BlendModes []string
}

// profiles maps daypart names to their mood profile. Unknown dayparts use
// "default".
var profiles = map[string]Profile{
	"daytime": {
		TierWeights:   [3]float64{0.60, 0.30, 0.10},
		SpeedRange:    [2]float64{0.85, 1.0},
		OverlayChance: 0.40,
		BlendModes:    []string{"screen", "addition", "softlight"},
	},
	"nighttime": {
		TierWeights:   [3]float64{0.25, 0.40, 0.35},
		SpeedRange:    [2]float64{1.5, 2.2},
		OverlayChance: 0.50,
		BlendModes:    []string{"multiply", "overlay", "softlight", "screen"},
	},
	"overnight": {
		TierWeights:   [3]float64{0.15, 0.30, 0.55},
		SpeedRange:    [2]float64{1.5, 2.5},
		OverlayChance: 0.55,
		BlendModes:    []string{"difference", "hardlight", "exclusion", "multiply"},
	},
	"default": {
		TierWeights:   [3]float64{0.50, 0.35, 0.15},
		SpeedRange:    [2]float64{0.9, 1.1},
		OverlayChance: 0.40,
		BlendModes:    []string{"screen", "overlay", "softlight"},
	},
}

// ProfileFor returns the mood profile for a daypart name.
func ProfileFor(daypart string) Profile {
	if p, ok := profiles[daypart]; ok {
		return p
	}
	return profiles["default"]
}

// Picker draws effects, speeds, and blend modes from a random source.
// Inject a seeded source in tests for deterministic selections.
type Picker struct {
	rng *rand.Rand
}

// NewPicker creates a picker backed by the given random source.
func NewPicker(rng *rand.Rand) *Picker {
	return &Picker{rng: rng}
}

// PickSpeed draws a PTS multiplier from the daypart's speed range,
// rounded to 2 decimals.
func (p *Picker) PickSpeed(daypart string) float64 {
	sr := ProfileFor(daypart).SpeedRange
	speed := sr[0] + p.rng.Float64()*(sr[1]-sr[0])
	return float64(int(speed*100+0.5)) / 100
}

// ShouldOverlay reports whether this clip should be a two-clip composite.
func (p *Picker) ShouldOverlay(daypart string) bool {
	return p.rng.Float64() < ProfileFor(daypart).OverlayChance
}

// PickBlendMode picks a blend mode from the daypart's permitted set.
func (p *Picker) PickBlendMode(daypart string) string {
	modes := ProfileFor(daypart).BlendModes
	return modes[p.rng.Intn(len(modes))]
}

// PickEffects picks a random effect set respecting tier limits: at most two
// medium and one heavy effect per clip, incompatible pairs suppressed.
// The daypart profile weights the tier of each draw.
func (p *Picker) PickEffects(minCount, maxCount int, daypart string) []Effect {
	profile := ProfileFor(daypart)
	lightW := profile.TierWeights[0]
	mediumThreshold := lightW + profile.TierWeights[1]

	count := minCount
	if maxCount > minCount {
		count = minCount + p.rng.Intn(maxCount-minCount+1)
	}

	chosen := make([]Effect, 0, count)
	chosenNames := make(map[string]bool, count)
	mediumCount, heavyCount := 0, 0

	for n := 0; n < count; n++ {
		var pool []Effect
		var tier Tier

		switch roll := p.rng.Float64(); {
		case roll < lightW:
			pool, tier = lightEffects, TierLight
		case roll < mediumThreshold:
			pool, tier = mediumEffects, TierMedium
		default:
			pool, tier = heavyEffects, TierHeavy
		}

		// Enforce tier limits by demoting the draw.
		if tier == TierMedium && mediumCount >= maxMediumPerClip {
			pool, tier = lightEffects, TierLight
		} else if tier == TierHeavy && heavyCount >= maxHeavyPerClip {
			if mediumCount < maxMediumPerClip {
				pool, tier = mediumEffects, TierMedium
			} else {
				pool, tier = lightEffects, TierLight
			}
		}

		eligible := filterBlocked(pool, chosenNames)

		effect := eligible[p.rng.Intn(len(eligible))]
		chosen = append(chosen, effect)
		chosenNames[effect.Name] = true

		switch tier {
		case TierMedium:
			mediumCount++
		case TierHeavy:
			heavyCount++
		}
	}

	return chosen
}

// PickOverlayEffects picks effects for a two-clip composite. The overlay
// path shares the standard catalog; overlay-only effects would be appended
// here if the catalog grew any.
func (p *Picker) PickOverlayEffects(minCount, maxCount int, daypart string) []Effect {
	return p.PickEffects(minCount, maxCount, daypart)
}

// filterBlocked removes effects that clash with already-chosen ones.
// Falls back to the full pool when everything is blocked.
func filterBlocked(pool []Effect, chosenNames map[string]bool) []Effect {
	blocked := make(map[string]bool)
	for _, pair := range incompatiblePairs {
		if chosenNames[pair[0]] {
			blocked[pair[1]] = true
		}
		if chosenNames[pair[1]] {
			blocked[pair[0]] = true
		}
	}
	if len(blocked) == 0 {
		return pool
	}

	eligible := make([]Effect, 0, len(pool))
	for _, e := range pool {
		if !blocked[e.Name] {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return pool
	}
	return eligible
}

// BuildFilterString joins effects into a comma-separated FFmpeg filter
// chain suitable for direct insertion into a filter graph.
func BuildFilterString(effects []Effect) string {
	parts := make([]string, len(effects))
	for i, e := range effects {
		parts[i] = e.Filter
	}
	return strings.Join(parts, ",")
}

// Names returns the effect names, for logging.
func Names(effects []Effect) []string {
	names := make([]string, len(effects))
	for i, e := range effects {
		names[i] = e.Name
	}
	return names
}
