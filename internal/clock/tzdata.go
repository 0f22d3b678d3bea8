package clock

import _ "time/tzdata" // 重置时区不能依赖宿主机的 zoneinfo
