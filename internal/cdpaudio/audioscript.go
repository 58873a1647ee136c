package cdpaudio

import (
	"encoding/json"
	"strconv"
)

// jsAudioRuntime installs window.__tabmix once per document. The runtime
// remembers the state applied through tabmix and pushes it onto every media
// element, including elements that start playing after the last write.
const jsAudioRuntime = `
var tm = window.__tabmix;
if (!tm) {
  tm = window.__tabmix = {touched: false, muted: false, volume: 1};
  tm.media = function() {
    return Array.prototype.slice.call(document.querySelectorAll("audio,video"));
  };
  tm.apply = function(el) {
    if (!tm.touched || !el || !("muted" in el)) return;
    el.muted = tm.muted;
    el.volume = tm.volume;
  };
  tm.seed = function() {
    if (tm.touched) return;
    var m = tm.media();
    if (m.length > 0) { tm.muted = !!m[0].muted; tm.volume = m[0].volume; }
    tm.touched = true;
  };
  tm.state = function() {
    var m = tm.media();
    var muted = tm.muted, volume = tm.volume;
    if (!tm.touched && m.length > 0) { muted = !!m[0].muted; volume = m[0].volume; }
    var active = m.some(function(el) { return !el.paused && !el.ended; });
    return {muted: muted, volume: volume, active: active, media: m.length};
  };
  document.addEventListener("play", function(ev) { tm.apply(ev.target); }, true);
  document.addEventListener("loadedmetadata", function(ev) { tm.apply(ev.target); }, true);
}
`

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func buildIIFE(body string) string {
	return `(function(){
try {
` + jsAudioRuntime + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:` + jsString(codeEvalFailure) + `,error_message:String(err && err.message || err)});
}
})()`
}

func jsReadState() string {
	return buildIIFE(`return JSON.stringify({ok:true,data:tm.state()});`)
}

func jsSetMuted(muted bool) string {
	return buildIIFE(`tm.seed();
tm.muted = ` + strconv.FormatBool(muted) + `;
tm.media().forEach(tm.apply);
return JSON.stringify({ok:true,data:tm.state()});`)
}

func jsSetVolume(volume float64) string {
	return buildIIFE(`tm.seed();
tm.volume = ` + strconv.FormatFloat(volume, 'f', -1, 64) + `;
tm.media().forEach(tm.apply);
return JSON.stringify({ok:true,data:tm.state()});`)
}
